package subprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// TestHelperProcess is not a real test. It is re-executed by the tests below
// as a fake classifier program; the mode is the argument after "--".
func TestHelperProcess(t *testing.T) {
	if os.Getenv("PILLOWMATE_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "no helper mode")
		os.Exit(3)
	}

	var req types.ClassificationRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Fprintln(os.Stderr, "bad request:", err)
		os.Exit(4)
	}

	switch args[1] {
	case "ok":
		if len(req.FeatureNames) != types.FeatureCount || req.SampleMs != 20 {
			os.Exit(5)
		}
		fmt.Println(`{"label":"hug","probability":0.9,"probabilities":{"hug":0.9,"tap":0.1}}`)
	case "echo":
		fmt.Printf(`{"label":"rows-%d-%s","probability":1}`, len(req.Features), os.Getenv("PILLOWMATE_EXTRA"))
	case "exit":
		fmt.Fprintln(os.Stderr, "Traceback: model file not found")
		os.Exit(2)
	case "garbage":
		fmt.Println("loading weights...")
	case "chatty":
		fmt.Fprint(os.Stderr, strings.Repeat("x", 10000)+"END")
		os.Exit(1)
	case "sleep":
		time.Sleep(10 * time.Second)
	}
	os.Exit(0)
}

func helper(t *testing.T, mode string, extraEnv ...string) *Classifier {
	t.Helper()
	c, err := New(Config{
		Command:    os.Args[0],
		Args:       []string{"-test.run=^TestHelperProcess$", "--", mode},
		Env:        append([]string{"PILLOWMATE_HELPER_PROCESS=1"}, extraEnv...),
		WaitDelay:  200 * time.Millisecond,
		StderrTail: 64,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func request(rows int) types.ClassificationRequest {
	req := types.ClassificationRequest{
		Label:        "unknown",
		SampleMs:     20,
		FeatureNames: types.FeatureNames[:],
	}
	for i := range rows {
		req.Features = append(req.Features, [types.FeatureCount]float64{float64(i), 0, 0, 1, 0, 0, 0})
	}
	return req
}

func TestClassify_OK(t *testing.T) {
	t.Parallel()
	c := helper(t, "ok")

	got, err := c.Classify(context.Background(), request(3))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Label != "hug" || got.Probability != 0.9 {
		t.Errorf("Classify = %+v, want hug/0.9", got)
	}
	if got.Probabilities["tap"] != 0.1 {
		t.Errorf("Probabilities = %v, want tap=0.1", got.Probabilities)
	}
}

func TestClassify_Echo(t *testing.T) {
	t.Parallel()
	c := helper(t, "echo", "PILLOWMATE_EXTRA=env")

	got, err := c.Classify(context.Background(), request(5))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Label != "rows-5-env" || got.Probability != 1 {
		t.Errorf("Classify = %+v, want rows-5-env/1", got)
	}
}

func TestClassify_NonZeroExit(t *testing.T) {
	t.Parallel()
	c := helper(t, "exit")

	_, err := c.Classify(context.Background(), request(2))
	var pe *classifier.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Classify error = %v, want *ProtocolError", err)
	}
	if pe.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", pe.ExitCode)
	}
	if !strings.Contains(pe.Stderr, "model file not found") {
		t.Errorf("Stderr = %q, want traceback", pe.Stderr)
	}
}

func TestClassify_Garbage(t *testing.T) {
	t.Parallel()
	c := helper(t, "garbage")

	_, err := c.Classify(context.Background(), request(2))
	var pe *classifier.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Classify error = %v, want *ProtocolError", err)
	}
	if pe.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", pe.ExitCode)
	}
	if !strings.Contains(string(pe.Output), "loading weights") {
		t.Errorf("Output = %q, want raw stdout", pe.Output)
	}
}

func TestClassify_StderrTailIsBounded(t *testing.T) {
	t.Parallel()
	c := helper(t, "chatty")

	_, err := c.Classify(context.Background(), request(1))
	var pe *classifier.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Classify error = %v, want *ProtocolError", err)
	}
	if len(pe.Stderr) > 64 {
		t.Errorf("len(Stderr) = %d, want <= 64", len(pe.Stderr))
	}
	if !strings.HasSuffix(pe.Stderr, "END") {
		t.Errorf("Stderr tail = %q, want it to end with END", pe.Stderr)
	}
}

func TestClassify_Timeout(t *testing.T) {
	t.Parallel()
	c := helper(t, "sleep")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Classify(ctx, request(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Classify error = %v, want DeadlineExceeded", err)
	}
	var pe *classifier.ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("timeout error is not a *ProtocolError: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Classify took %s after timeout", elapsed)
	}
}

func TestClassify_Closed(t *testing.T) {
	t.Parallel()
	c := helper(t, "echo")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Classify(context.Background(), request(1)); !errors.Is(err, classifier.ErrClosed) {
		t.Errorf("Classify after Close = %v, want ErrClosed", err)
	}
}

func TestClassify_InvalidRequest(t *testing.T) {
	t.Parallel()
	c := helper(t, "echo")
	if _, err := c.Classify(context.Background(), request(0)); err == nil {
		t.Error("Classify accepted an empty request")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Error("New accepted an empty command")
	}
	if _, err := New(Config{Command: "definitely-not-a-real-binary-pillowmate"}); err == nil {
		t.Error("New accepted a missing executable")
	}
}

func TestTailWriter(t *testing.T) {
	t.Parallel()
	w := newTailWriter(8)

	_, _ = w.Write([]byte("abc"))
	if got := w.String(); got != "abc" {
		t.Errorf("String = %q, want abc", got)
	}
	_, _ = w.Write([]byte("defghij"))
	if got := w.String(); got != "cdefghij" {
		t.Errorf("String = %q, want cdefghij", got)
	}
	n, err := w.Write([]byte("0123456789XY"))
	if err != nil || n != 12 {
		t.Errorf("Write = %d, %v; want 12, nil", n, err)
	}
	if got := w.String(); got != "456789XY" {
		t.Errorf("String = %q, want 456789XY", got)
	}
}
