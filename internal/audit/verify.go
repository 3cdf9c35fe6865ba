package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// VerifyResult holds the outcome of a journal check.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
	// Unstopped lists "kind identity" for agents started successfully with
	// no later stop entry. A job killed between phases leaves one behind.
	Unstopped []string `json:"unstopped,omitempty"`
}

// walk calls fn with each line of r and its 1-based number. The line is
// a copy fn may keep.
func walk(r io.Reader, fn func(n int, line []byte) error) error {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := append([]byte(nil), sc.Bytes()...)
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

type lineError struct {
	line int
	msg  string
}

func (e *lineError) Error() string { return e.msg }

// Verify checks the hash chain of the journal at path.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()
	return VerifyReader(f)
}

// VerifyReader checks a journal stream: each entry must chain to the line
// before it, and the first to GenesisHash.
func VerifyReader(r io.Reader) VerifyResult {
	want := GenesisHash
	lines := 0
	running := map[string]bool{}
	var order []string

	err := walk(r, func(n int, line []byte) error {
		lines = n
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return &lineError{n, fmt.Sprintf("parse error: %v", err)}
		}
		if e.PrevHash != want {
			if n == 1 {
				return &lineError{n, fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)}
			}
			return &lineError{n, fmt.Sprintf("hash mismatch: expected %s, got %s", want, e.PrevHash)}
		}
		want = HashLine(line)

		key := e.Kind + " " + e.Identity
		switch {
		case e.Action == "start" && e.Outcome == OutcomeOK && e.Identity != "":
			if !running[key] {
				order = append(order, key)
			}
			running[key] = true
		case e.Action == "stop" && e.Identity != "":
			delete(running, key)
		}
		return nil
	})

	if le, ok := err.(*lineError); ok {
		return VerifyResult{Error: le.msg, ErrorLine: le.line}
	}
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}

	res := VerifyResult{Valid: true, Lines: lines}
	for _, k := range order {
		if running[k] {
			res.Unstopped = append(res.Unstopped, k)
		}
	}
	return res
}
