package blob

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// maxLineBytes bounds a single artifact line; references with very large
// abstracts still fit comfortably
const maxLineBytes = 16 * 1024 * 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// EncodeLines writes rows as newline-delimited JSON
func EncodeLines(w io.Writer, rows []any) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, row := range rows {
		// Encode appends the newline itself
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DecodeLines calls fn with each non-empty line and its zero-based ordinal.
// A leading byte-order mark is rejected; the artifact contract requires
// plain UTF-8. Per-line errors returned by fn stop the scan.
func DecodeLines(r io.Reader, fn func(line int, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		data := scanner.Bytes()
		if line == 0 && bytes.HasPrefix(data, utf8BOM) {
			return types.InvalidPayloadError("artifact has a leading byte-order mark")
		}
		if len(bytes.TrimSpace(data)) == 0 {
			line++
			continue
		}
		// copy: Scanner reuses its buffer across calls
		buf := make([]byte, len(data))
		copy(buf, data)
		if err := fn(line, buf); err != nil {
			return err
		}
		line++
	}
	return scanner.Err()
}
