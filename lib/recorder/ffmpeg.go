package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/onkernel/camrec/lib/capture"
	"github.com/onkernel/camrec/lib/codec"
	"github.com/onkernel/camrec/lib/logger"
)

const (
	// arbitrary value to indicate we have not yet received an exit code from the process
	exitCodeInitValue = math.MinInt

	// the exit codes returned by the stdlib:
	// -1 if the process hasn't exited yet or was terminated by a signal
	// 0 if the process exited successfully
	// >0 if the process exited with a non-zero exit code
	exitCodeProcessDoneMinValue = -1

	readChunkSize = 32 * 1024
)

var (
	ErrEngineUsed = errors.New("recording engine already started")
	// ErrExitedDuringStartup reports an ffmpeg that quit cleanly before
	// producing a recording.
	ErrExitedDuringStartup = errors.New("ffmpeg exited during startup")
)

// FFmpegEngine encodes a capture stream with an ffmpeg child process writing
// the container to stdout. Stdout is accumulated until a flush hands it to
// the DataHandler.
type FFmpegEngine struct {
	mu sync.Mutex

	binaryPath string
	stream     capture.Stream
	format     codec.Format
	onData     DataHandler

	// deliverMu keeps flushes from interleaving so chunks reach onData in order.
	deliverMu sync.Mutex

	cmd           *exec.Cmd
	pending       bytes.Buffer
	started       bool
	stopRequested bool
	delivered     bool // the final chunk has been handed over
	ffmpegErr     error
	exitCode      int
	exited        chan struct{}
	drained       chan struct{}
}

var _ Engine = (*FFmpegEngine)(nil)

// NewFFmpegFactory returns a Factory producing FFmpegEngines. The provided
// pathToFFmpeg is used as the binary to execute; if empty it defaults to
// "ffmpeg" which is expected to be discoverable on the host's PATH.
func NewFFmpegFactory(pathToFFmpeg string) Factory {
	if pathToFFmpeg == "" {
		pathToFFmpeg = "ffmpeg"
	}
	return func(stream capture.Stream, format codec.Format, onData DataHandler) (Engine, error) {
		return NewFFmpegEngine(pathToFFmpeg, stream, format, onData)
	}
}

func NewFFmpegEngine(pathToFFmpeg string, stream capture.Stream, format codec.Format, onData DataHandler) (*FFmpegEngine, error) {
	if err := stream.Validate(); err != nil {
		return nil, err
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recording format: %w", err)
	}
	if onData == nil {
		return nil, fmt.Errorf("data handler is required")
	}
	return &FFmpegEngine{
		binaryPath: pathToFFmpeg,
		stream:     stream,
		format:     format,
		onData:     onData,
		exitCode:   exitCodeInitValue,
		exited:     make(chan struct{}),
		drained:    make(chan struct{}),
	}, nil
}

// Begin launches ffmpeg and waits briefly to catch immediate failures such as
// a missing device or an unknown encoder.
func (fe *FFmpegEngine) Begin(ctx context.Context) error {
	log := logger.FromContext(ctx)

	fe.mu.Lock()
	if fe.started {
		fe.mu.Unlock()
		return ErrEngineUsed
	}
	fe.started = true

	args, err := ffmpegArgs(fe.stream, fe.format)
	if err != nil {
		fe.markDoneLocked(err)
		fe.mu.Unlock()
		return err
	}
	log.Info(fmt.Sprintf("%s %s", fe.binaryPath, strings.Join(args, " ")))

	cmd := exec.Command(fe.binaryPath, args...)
	// create process group to ensure all processes are signaled together
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fe.markDoneLocked(err)
		fe.mu.Unlock()
		return fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	fe.cmd = cmd
	fe.mu.Unlock()

	if err := cmd.Start(); err != nil {
		fe.mu.Lock()
		fe.cmd = nil
		fe.markDoneLocked(err)
		fe.mu.Unlock()
		return fmt.Errorf("failed to start ffmpeg process: %w", err)
	}

	go fe.readLoop(ctx, stdout)
	go fe.waitForCommand(ctx)

	// Check for startup errors before returning
	if err := waitForChan(ctx, 250*time.Millisecond, fe.exited); err == nil {
		fe.mu.Lock()
		defer fe.mu.Unlock()
		exitErr := fe.exitErrLocked()
		if exitErr == nil {
			exitErr = ErrExitedDuringStartup
		}
		return fmt.Errorf("failed to start ffmpeg process: %w", exitErr)
	}
	return nil
}

// RequestFlush hands everything read from ffmpeg so far to the DataHandler.
// With nothing buffered the handler receives an empty chunk.
func (fe *FFmpegEngine) RequestFlush(ctx context.Context) error {
	fe.mu.Lock()
	active := fe.started && !fe.delivered && fe.cmd != nil
	fe.mu.Unlock()
	if !active {
		return nil
	}
	fe.deliver(false)
	return nil
}

// Finish interrupts ffmpeg so it writes its trailer, waits for stdout to
// drain and delivers the remaining bytes as the final chunk. An encoder that
// exited on its own before Finish was called is reported as an error.
func (fe *FFmpegEngine) Finish(ctx context.Context) error {
	fe.mu.Lock()
	if !fe.started || fe.cmd == nil || fe.stopRequested {
		fe.stopRequested = true
		fe.mu.Unlock()
		return nil
	}
	fe.stopRequested = true
	alreadyExited := fe.exitCode >= exitCodeProcessDoneMinValue
	fe.mu.Unlock()

	err := fe.shutdownInPhases(ctx, []shutdownPhase{
		{"wake_and_interrupt", []syscall.Signal{unix.SIGCONT, unix.SIGINT}, 5 * time.Second, "graceful stop"},
		{"retry_interrupt", []syscall.Signal{unix.SIGINT}, 3 * time.Second, "retry graceful stop"},
		{"terminate", []syscall.Signal{unix.SIGTERM}, 250 * time.Millisecond, "forceful termination"},
		{"kill", []syscall.Signal{unix.SIGKILL}, 100 * time.Millisecond, "immediate kill"},
	})
	if err != nil {
		return err
	}

	if err := waitForChan(ctx, 2*time.Second, fe.drained); err != nil {
		return fmt.Errorf("ffmpeg output did not drain: %w", err)
	}
	fe.deliver(true)

	if alreadyExited {
		fe.mu.Lock()
		defer fe.mu.Unlock()
		if exitErr := fe.exitErrLocked(); exitErr != nil {
			return fmt.Errorf("ffmpeg exited before stop was requested: %w", exitErr)
		}
	}
	return nil
}

func (fe *FFmpegEngine) Done() <-chan struct{} {
	return fe.exited
}

// Buffered reports how many bytes are waiting for the next flush.
func (fe *FFmpegEngine) Buffered() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.pending.Len()
}

func (fe *FFmpegEngine) deliver(final bool) {
	fe.deliverMu.Lock()
	defer fe.deliverMu.Unlock()

	fe.mu.Lock()
	if fe.delivered {
		fe.mu.Unlock()
		return
	}
	chunk := bytes.Clone(fe.pending.Bytes())
	fe.pending.Reset()
	if final {
		fe.delivered = true
	}
	fe.mu.Unlock()

	if chunk == nil {
		chunk = []byte{}
	}
	fe.onData(chunk)
}

func (fe *FFmpegEngine) readLoop(ctx context.Context, r io.Reader) {
	defer close(fe.drained)

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			fe.mu.Lock()
			fe.pending.Write(buf[:n])
			fe.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.FromContext(ctx).Error("failed to read ffmpeg output", "err", err)
			}
			return
		}
	}
}

// waitForCommand should be run in the background to wait for the ffmpeg
// process to complete and update the internal state accordingly.
func (fe *FFmpegEngine) waitForCommand(ctx context.Context) {
	log := logger.FromContext(ctx)

	// Wait closes stdout, so every read must have finished first.
	<-fe.drained
	err := fe.cmd.Wait()

	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.ffmpegErr = err
	fe.exitCode = fe.cmd.ProcessState.ExitCode()
	close(fe.exited)

	if err != nil {
		log.Info("ffmpeg process completed with error", "err", err, "exitCode", fe.exitCode)
	} else {
		log.Info("ffmpeg process completed successfully", "exitCode", fe.exitCode)
	}
}

// markDoneLocked closes the lifecycle channels for an engine whose process
// never started.
func (fe *FFmpegEngine) markDoneLocked(err error) {
	fe.ffmpegErr = err
	fe.exitCode = exitCodeProcessDoneMinValue
	fe.delivered = true
	close(fe.drained)
	close(fe.exited)
}

func (fe *FFmpegEngine) exitErrLocked() error {
	if fe.ffmpegErr != nil {
		return fe.ffmpegErr
	}
	if fe.exitCode > 0 {
		return fmt.Errorf("exit code %d", fe.exitCode)
	}
	return nil
}

// ffmpegArgs builds the command line: capture input first, then encoding
// options, then the container written to stdout.
func ffmpegArgs(stream capture.Stream, format codec.Format) ([]string, error) {
	input, err := stream.InputArgs()
	if err != nil {
		return nil, err
	}

	args := append([]string{"-hide_banner", "-loglevel", "warning", "-nostdin"}, input...)
	args = append(args, "-c:v", format.VideoEncoder)
	if format.VideoBitsPerSecond > 0 {
		args = append(args, "-b:v", strconv.Itoa(format.VideoBitsPerSecond))
	}

	switch format.VideoEncoder {
	case "libvpx", "libvpx-vp9":
		args = append(args, "-deadline", "realtime", "-cpu-used", "8")
		if format.VideoEncoder == "libvpx-vp9" {
			args = append(args, "-row-mt", "1")
		}
	case "libx264":
		args = append(args,
			"-preset", "veryfast",
			"-tune", "zerolatency",
			"-pix_fmt", "yuv420p",
		)
	}
	if stream.FrameRate > 0 {
		args = append(args, "-g", strconv.Itoa(stream.FrameRate*2))
	}

	if format.AudioEncoder != "" && stream.HasAudio() {
		args = append(args, "-c:a", format.AudioEncoder)
	} else {
		args = append(args, "-an")
	}

	switch format.Muxer {
	case "mp4":
		// stdout is not seekable, so the moov atom must come first and fragments follow
		args = append(args, "-movflags", "+frag_keyframe+empty_moov+default_base_moof")
	case "webm":
		args = append(args, "-cluster_time_limit", "1000")
	}

	args = append(args, "-f", format.Muxer, "pipe:1")
	return args, nil
}

type shutdownPhase struct {
	name    string
	signals []syscall.Signal
	timeout time.Duration
	desc    string
}

func (fe *FFmpegEngine) shutdownInPhases(ctx context.Context, phases []shutdownPhase) error {
	log := logger.FromContext(ctx)

	// capture immutable references under lock
	fe.mu.Lock()
	exitCode := fe.exitCode
	cmd := fe.cmd
	done := fe.exited
	fe.mu.Unlock()

	if exitCode >= exitCodeProcessDoneMinValue {
		log.Info("ffmpeg process has already exited")
		return nil
	}
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("no recording to stop")
	}

	pgid := -cmd.Process.Pid // negative PGID targets the whole group
	for _, phase := range phases {
		phaseStartTime := time.Now()
		// short circuit: the process exited before this phase started.
		select {
		case <-done:
			return nil
		default:
		}

		log.Info("ffmpeg shutdown phase", "phase", phase.name, "desc", phase.desc)

		for idx, sig := range phase.signals {
			_ = unix.Kill(pgid, sig) // ignore error; process may have gone away
			// arbitrary delay between signals, but not after the last signal
			if idx < len(phase.signals)-1 {
				time.Sleep(100 * time.Millisecond)
			}
		}

		if err := waitForChan(ctx, phase.timeout-time.Since(phaseStartTime), done); err == nil {
			log.Info("ffmpeg shutdown successful", "phase", phase.name)
			return nil
		}
	}

	return fmt.Errorf("failed to shutdown ffmpeg")
}

// waitForChan returns nil if and only if the channel is closed
func waitForChan(ctx context.Context, timeout time.Duration, c <-chan struct{}) error {
	select {
	case <-c:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("process did not exit within %v timeout", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
