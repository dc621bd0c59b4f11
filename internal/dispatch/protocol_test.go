package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestLineReader_BuffersPartialLines(t *testing.T) {
	r := io.MultiReader(
		strings.NewReader(`{"requestId":1,"res`),
		strings.NewReader(`ult":{"ok":true}}`+"\n"+`{"type":"re`),
		strings.NewReader(`ady"}`+"\r\n\n"+`{"requestId":2`),
	)
	lines := newLineReader(iotest.OneByteReader(r))

	var got []string
	for {
		line, err := lines.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("next: %v", err)
			}
			break
		}
		got = append(got, string(line))
	}
	want := []string{`{"requestId":1,"result":{"ok":true}}`, `{"type":"ready"}`}
	if len(got) != len(want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestServe(t *testing.T) {
	in := strings.Join([]string{
		`{"action":"invoke_tool","name":"echo","params":{"text":"a"},"requestId":1}`,
		`not json`,
		`{"action":"invoke_tool","name":"fail","params":{},"requestId":2}`,
		`{"action":"shutdown","requestId":3}`,
	}, "\n") + "\n"
	var out bytes.Buffer

	if err := Serve(context.Background(), strings.NewReader(in), &out, echoTools(t)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resps []Response
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r Response
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resps = append(resps, r)
	}
	if len(resps) != 4 {
		t.Fatalf("responses = %d, want 4 (ready + 3)", len(resps))
	}
	if resps[0].Type != TypeReady {
		t.Errorf("first message = %+v, want ready", resps[0])
	}
	if resps[1].RequestID != 1 || string(resps[1].Result) != `{"echo":"a"}` {
		t.Errorf("echo response = %+v", resps[1])
	}
	if resps[2].RequestID != 2 || resps[2].Error != "out of limes" {
		t.Errorf("fail response = %+v", resps[2])
	}
	if resps[3].RequestID != 3 || !strings.Contains(resps[3].Error, "unknown action") {
		t.Errorf("unknown action response = %+v", resps[3])
	}
}
