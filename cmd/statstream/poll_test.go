package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func statsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/":
			_, _ = w.Write([]byte(`[{"objectName":"jvm:type=MemoryStats"}]`))
		case strings.HasSuffix(r.URL.Path, "/attributes"):
			_, _ = w.Write([]byte(`[{"name":"HeapSize","value":{"value":"512","type":"java.lang.Long"}}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// executePollCmd runs the poll command with every flag set explicitly, since
// flag values persist on the shared root command between executions.
func executePollCmd(t *testing.T, location, password, path, output string) (string, error) {
	t.Helper()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	defer rootCmd.SetOut(nil)

	rootCmd.SetArgs([]string{
		"poll",
		"--location", location,
		"--user", "admin",
		"--password", password,
		"--path", path,
		"--initial", "0s",
		"--period", "1ms",
		"--times", "2",
		"--output", output,
	})
	err := rootCmd.Execute()
	return stdout.String(), err
}

func TestRunPoll_Stdout(t *testing.T) {
	srv := statsServer(t)

	out, err := executePollCmd(t, srv.URL, "secret", "server-mon/attributes", "")
	if err != nil {
		t.Fatalf("poll command error = %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(out, "\r\n"), "\r\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows: %q", len(lines), out)
	}
	if lines[0] != "Time,HeapSize" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], ",512") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestRunPoll_Discovery(t *testing.T) {
	srv := statsServer(t)

	out, err := executePollCmd(t, srv.URL, "secret", "", "")
	if err != nil {
		t.Fatalf("poll command error = %v", err)
	}
	if !strings.HasPrefix(out, "Time,HeapSize\r\n") {
		t.Errorf("output = %q, want the discovered session", out)
	}
}

func TestRunPoll_OutputFile(t *testing.T) {
	srv := statsServer(t)
	path := filepath.Join(t.TempDir(), "heap.csv")

	out, err := executePollCmd(t, srv.URL, "secret", "server-mon/attributes", path)
	if err != nil {
		t.Fatalf("poll command error = %v", err)
	}
	if out != "" {
		t.Errorf("stdout = %q, want nothing when writing a file", out)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if !strings.HasPrefix(string(data), "Time,HeapSize\r\n") {
		t.Errorf("file = %q", data)
	}
}

func TestRunPoll_DiscoveryFailure(t *testing.T) {
	srv := statsServer(t)

	_, err := executePollCmd(t, srv.URL, "wrong", "", "")
	if err == nil {
		t.Fatal("poll command expected error for rejected credentials, got nil")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error should carry the discovery failure, got: %v", err)
	}
	if strings.Contains(err.Error(), "wrong") {
		t.Errorf("error exposes the password: %v", err)
	}
}

func TestRunPoll_InvalidLocation(t *testing.T) {
	_, err := executePollCmd(t, "ftp://appserver", "secret", "", "")
	if err == nil {
		t.Fatal("poll command expected error for invalid location, got nil")
	}
	if !strings.Contains(err.Error(), "invalid target") {
		t.Errorf("error = %v", err)
	}
}
