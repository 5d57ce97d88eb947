// Tool to exercise Stop concurrency against a running camrec server: start a recording,
// trigger concurrent stops, then download the result and validate it with ffprobe.
// Usage: go run main.go -url http://localhost:10001 -duration 3 -concurrency 2
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/nrednav/cuid2"
)

type snapshot struct {
	SessionID      string `json:"sessionId"`
	State          string `json:"state"`
	ElapsedSeconds int    `json:"elapsedSeconds"`
	Chunks         int    `json:"chunks"`
	Bytes          int64  `json:"bytes"`
	Error          string `json:"error"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:10001", "Base URL of the camrec API")
	duration := flag.Int("duration", 3, "Recording duration in seconds before stopping")
	concurrency := flag.Int("concurrency", 2, "Number of concurrent stop calls")
	iterations := flag.Int("iterations", 5, "Number of test iterations")
	flag.Parse()

	fmt.Printf("Testing concurrent stop\n")
	fmt.Printf("  URL: %s\n", *baseURL)
	fmt.Printf("  Duration: %ds\n", *duration)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Iterations: %d\n", *iterations)

	passed := 0
	failed := 0

	for i := 0; i < *iterations; i++ {
		fmt.Printf("=== Iteration %d/%d ===\n", i+1, *iterations)

		err := runTest(*baseURL, *duration, *concurrency)
		if err != nil {
			fmt.Printf("FAILED: %v\n\n", err)
			failed++
		} else {
			fmt.Printf("PASSED\n\n")
			passed++
		}
	}

	fmt.Printf("=== RESULTS: %d passed, %d failed ===\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func runTest(baseURL string, duration, concurrency int) error {
	ctx := context.Background()
	client := &http.Client{Timeout: 30 * time.Second}

	fmt.Printf("  Starting recording...\n")
	started, err := post(ctx, client, baseURL+"/recording/start")
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	if started.State != "recording" {
		return fmt.Errorf("recording did not start (state=%s): is a camera bound?", started.State)
	}
	fmt.Printf("  Session %s\n", started.SessionID)

	fmt.Printf("  Recording for %d seconds...\n", duration)
	time.Sleep(time.Duration(duration) * time.Second)

	fmt.Printf("  Calling stop %d times concurrently...\n", concurrency)
	stopResults := make(chan error, concurrency)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			snap, err := post(ctx, client, baseURL+"/recording/stop")
			switch {
			case err != nil:
				stopResults <- fmt.Errorf("goroutine %d: %w", goroutineID, err)
			case snap.State != "idle":
				stopResults <- fmt.Errorf("goroutine %d: stop returned state %s", goroutineID, snap.State)
			default:
				stopResults <- nil
			}
		}(i)
	}

	wg.Wait()
	close(stopResults)

	var stopErrors []error
	for err := range stopResults {
		if err != nil {
			stopErrors = append(stopErrors, err)
		}
	}
	if len(stopErrors) > 0 {
		return fmt.Errorf("stop errors: %v", stopErrors)
	}

	fmt.Printf("  Downloading recording...\n")
	data, ext, err := downloadRecording(ctx, client, baseURL)
	if err != nil {
		return fmt.Errorf("failed to download recording: %w", err)
	}
	fmt.Printf("  Downloaded %d bytes\n", len(data))

	path := filepath.Join(os.TempDir(), fmt.Sprintf("stop-test-%s%s", cuid2.Generate(), ext))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	defer os.Remove(path)

	fmt.Printf("  Validating with ffprobe...\n")
	return validateRecording(path)
}

func post(ctx context.Context, client *http.Client, url string) (snapshot, error) {
	var snap snapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return snap, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return snap, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return snap, err
	}
	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

func downloadRecording(ctx context.Context, client *http.Client, baseURL string) ([]byte, string, error) {
	var (
		data []byte
		ext  string
	)
	err := retry.New(
		retry.Attempts(10),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/recording/download", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusAccepted {
			return fmt.Errorf("recording not ready yet")
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		data = body
		ext = ".webm"
		if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && mt == "video/mp4" {
			ext = ".mp4"
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed after retries: %w", err)
	}
	return data, ext, nil
}

func validateRecording(filePath string) error {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-output_format", "json",
		filePath)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, string(output))
	}

	var result struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
			CodecName string `json:"codec_name"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, s := range result.Streams {
		if s.CodecType == "video" {
			fmt.Printf("  Video codec: %s\n", s.CodecName)
			return nil
		}
	}
	return fmt.Errorf("no video stream found - file may be corrupt")
}
