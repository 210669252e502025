package stratum

import (
	"bufio"
	"strings"
	"testing"
)

func TestFrameIsResponse(t *testing.T) {
	id := uint64(5)
	tests := []struct {
		name string
		fr   frame
		want bool
	}{
		{"response with result", frame{ID: &id, Result: []byte(`true`)}, true},
		{"response with error", frame{ID: &id, Error: []byte(`[20,"bad",null]`)}, true},
		{"notification", frame{Method: "mining.notify", Params: []byte(`[]`)}, false},
		{"no id", frame{Result: []byte(`true`)}, false},
		{"id and method both set", frame{ID: &id, Method: "mining.notify"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fr.isResponse(); got != tt.want {
				t.Errorf("isResponse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNull(t *testing.T) {
	var f frame
	if !f.isNull(nil) {
		t.Errorf("nil raw message should be null")
	}
	if !f.isNull([]byte("null")) {
		t.Errorf("literal null should be null")
	}
	if f.isNull([]byte(`[20,"bad",null]`)) {
		t.Errorf("non-null array should not be null")
	}
}

func TestEncodeLine(t *testing.T) {
	line, err := encodeLine(request{ID: 1, Method: "mining.subscribe", Params: []interface{}{"stratumline/1.0"}})
	if err != nil {
		t.Fatalf("encodeLine returned error: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Errorf("encodeLine must terminate with a newline")
	}
	want := `{"id":1,"method":"mining.subscribe","params":["stratumline/1.0"]}` + "\n"
	if string(line) != want {
		t.Errorf("encodeLine() = %q, want %q", line, want)
	}
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("{\"id\":1}\r\n{\"id\":2}\n"))

	first, err := readLine(r)
	if err != nil {
		t.Fatalf("readLine returned error: %v", err)
	}
	if first != `{"id":1}` {
		t.Errorf("readLine() = %q, want %q", first, `{"id":1}`)
	}

	second, err := readLine(r)
	if err != nil {
		t.Fatalf("readLine returned error: %v", err)
	}
	if second != `{"id":2}` {
		t.Errorf("readLine() = %q, want %q", second, `{"id":2}`)
	}
}
