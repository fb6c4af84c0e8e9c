package router

import (
	"errors"
	"testing"

	"github.com/portico-web/portico/httpmsg"
)

func TestParseRanges(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		fileSize int64
		want     []httpmsg.ByteRange
		wantErr  error
	}{
		{"absent", "", 10, nil, nil},
		{"full file round trip", "bytes=0-9", 10, []httpmsg.ByteRange{{Start: 0, End: 9}}, nil},
		{"first byte", "bytes=0-0", 2, []httpmsg.ByteRange{{Start: 0, End: 0}}, nil},
		{"open end", "bytes=3-", 10, []httpmsg.ByteRange{{Start: 3, End: 9}}, nil},
		{"suffix", "bytes=-4", 10, []httpmsg.ByteRange{{Start: 6, End: 9}}, nil},
		{"bare dash", "bytes=-", 10, []httpmsg.ByteRange{{Start: 0, End: 9}}, nil},
		{"clamped end", "bytes=2-999", 10, []httpmsg.ByteRange{{Start: 2, End: 9}}, nil},
		{"multiple", "bytes=0-1,4-5", 10, []httpmsg.ByteRange{{Start: 0, End: 1}, {Start: 4, End: 5}}, nil},
		{"surrounding whitespace", " bytes=0-1 ", 10, []httpmsg.ByteRange{{Start: 0, End: 1}}, nil},
		{"no prefix", "0-1", 10, nil, ErrMalformedRange},
		{"double dash", "bytes=0--1", 10, nil, ErrMalformedRange},
		{"not a number", "bytes=a-b", 10, nil, ErrMalformedRange},
		{"start past end of file", "bytes=10-", 10, nil, ErrRangeNotSatisfiable},
		{"degenerate nonzero", "bytes=3-3", 10, nil, ErrRangeNotSatisfiable},
		{"inverted", "bytes=5-2", 10, nil, ErrRangeNotSatisfiable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRanges(tt.header, tt.fileSize)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRanges: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ranges = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("range %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// A full-file range request over a file of size N yields the single
// range (0, N-1) covering every byte.
func TestParseRanges_FullFileEquivalence(t *testing.T) {
	const n = 1234
	got, err := ParseRanges("bytes=0-1233", n)
	if err != nil {
		t.Fatalf("ParseRanges: %v", err)
	}
	if len(got) != 1 || got[0].Start != 0 || got[0].End != n-1 {
		t.Fatalf("ranges = %v", got)
	}
	if got[0].Len() != n {
		t.Errorf("Len = %d, want %d", got[0].Len(), n)
	}
}
