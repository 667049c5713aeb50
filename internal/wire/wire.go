// Package wire implements the text framing used between cache clients and the
// shared cache server over a Unix domain socket.
//
// A record is a fixed 21 character header followed by length-prefixed keys and
// values:
//
//	id          8 base-36 digits
//	storage id  4 base-36 digits
//	command     1 character
//	keys count  4 base-36 digits
//	vals count  4 base-36 digits
//	then for every key and value: 6 base-36 digits of length, then the text
//
// Lengths count characters (runes), not bytes, so the decoder must only ever be
// fed whole characters. The transport is responsible for not splitting a
// multi-byte UTF-8 sequence across two Decode calls.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Commands understood by the server.
const (
	CmdSelect rune = 't'
	CmdGet    rune = 'g'
	CmdSet    rune = 's'
	CmdDel    rune = 'd'
	CmdGC     rune = 'c'
	CmdError  rune = 'e'
)

const (
	idWidth        = 8
	storageIDWidth = 4
	countWidth     = 4
	lengthWidth    = 6

	// HeaderLen is the number of characters preceding the first key.
	HeaderLen = idWidth + storageIDWidth + 1 + countWidth + countWidth
)

// Field limits. Values at or above these do not fit their field.
const (
	MaxID        uint64 = 2821109907456 // 36^8
	MaxStorageID        = 1679616       // 36^4
	MaxItems            = 1679616       // 36^4
	MaxItemLen          = 2176782336    // 36^6
)

// ErrMalformed is returned by Decode when the buffered text is not a record
// header. The stream can not be resynchronized after this.
var ErrMalformed = errors.New("wire: malformed record")

// ErrInvalidText is returned by Check for keys or values that are not valid
// UTF-8. Such text can not be framed: lengths count characters.
var ErrInvalidText = errors.New("wire: text is not valid UTF-8")

// Check reports whether every key and value of r can be encoded losslessly.
func Check(r Record) error {
	for _, k := range r.Keys {
		if !utf8.ValidString(k) {
			return fmt.Errorf("%w: key %q", ErrInvalidText, k)
		}
	}
	for i, v := range r.Vals {
		if !utf8.ValidString(v) {
			return fmt.Errorf("%w: value %d", ErrInvalidText, i)
		}
	}
	return nil
}

// Record is one request or reply.
type Record struct {
	ID        uint64
	StorageID int
	Command   rune
	Keys      []string
	Vals      []string
}

// Encode renders r. A zero Command is sent as a space. Encode panics when a
// numeric field does not fit its width; that is a caller bug.
func Encode(r Record) string {
	var b strings.Builder
	size := HeaderLen
	for _, k := range r.Keys {
		size += lengthWidth + len(k)
	}
	for _, v := range r.Vals {
		size += lengthWidth + len(v)
	}
	b.Grow(size)

	cmd := r.Command
	if cmd == 0 {
		cmd = ' '
	}
	writeNum(&b, r.ID, idWidth, "id")
	writeNum(&b, uint64(r.StorageID), storageIDWidth, "storage id")
	b.WriteRune(cmd)
	writeNum(&b, uint64(len(r.Keys)), countWidth, "keys count")
	writeNum(&b, uint64(len(r.Vals)), countWidth, "vals count")
	for _, k := range r.Keys {
		writeItem(&b, k)
	}
	for _, v := range r.Vals {
		writeItem(&b, v)
	}
	return b.String()
}

func writeItem(b *strings.Builder, s string) {
	writeNum(b, uint64(utf8.RuneCountInString(s)), lengthWidth, "item length")
	b.WriteString(s)
}

func writeNum(b *strings.Builder, n uint64, width int, field string) {
	s := strconv.FormatUint(n, 36)
	if len(s) > width {
		panic(fmt.Sprintf("wire: %s %d overflows %d base-36 digits", field, n, width))
	}
	for i := len(s); i < width; i++ {
		b.WriteByte('0')
	}
	b.WriteString(s)
}

// Decoder turns a stream of text chunks back into records. It keeps any
// trailing partial record until more text arrives. Not safe for concurrent use.
type Decoder struct {
	buf []rune
}

func NewDecoder() *Decoder { return &Decoder{} }

// Decode appends chunk to the buffer and returns every record that is now
// complete, in stream order.
func (d *Decoder) Decode(chunk string) ([]Record, error) {
	for _, r := range chunk {
		d.buf = append(d.buf, r)
	}
	var out []Record
	pos := 0
	for len(d.buf)-pos >= HeaderLen {
		rec, next, err := decodeRecord(d.buf, pos)
		if err != nil {
			return out, err
		}
		if next < 0 {
			break
		}
		out = append(out, rec)
		pos = next
	}
	if pos > 0 {
		n := copy(d.buf, d.buf[pos:])
		d.buf = d.buf[:n]
	}
	return out, nil
}

// Buffered returns the text held back waiting for the rest of a record.
func (d *Decoder) Buffered() string { return string(d.buf) }

// decodeRecord reads one record starting at pos. next is -1 when buf does not
// yet hold the whole record.
func decodeRecord(buf []rune, pos int) (Record, int, error) {
	var rec Record
	var err error
	h := buf[pos : pos+HeaderLen]
	if rec.ID, err = parseNum(h[0:8]); err != nil {
		return rec, 0, err
	}
	sid, err := parseNum(h[8:12])
	if err != nil {
		return rec, 0, err
	}
	rec.StorageID = int(sid)
	rec.Command = h[12]
	keys, err := parseNum(h[13:17])
	if err != nil {
		return rec, 0, err
	}
	vals, err := parseNum(h[17:21])
	if err != nil {
		return rec, 0, err
	}
	pos += HeaderLen

	if rec.Keys, pos, err = readItems(buf, pos, int(keys)); err != nil || pos < 0 {
		return rec, -1, err
	}
	if rec.Vals, pos, err = readItems(buf, pos, int(vals)); err != nil || pos < 0 {
		return rec, -1, err
	}
	return rec, pos, nil
}

func readItems(buf []rune, pos, count int) ([]string, int, error) {
	if count == 0 {
		return nil, pos, nil
	}
	items := make([]string, count)
	for i := range items {
		if pos+lengthWidth > len(buf) {
			return nil, -1, nil
		}
		n, err := parseNum(buf[pos : pos+lengthWidth])
		if err != nil {
			return nil, -1, err
		}
		pos += lengthWidth
		if pos+int(n) > len(buf) {
			return nil, -1, nil
		}
		items[i] = string(buf[pos : pos+int(n)])
		pos += int(n)
	}
	return items, pos, nil
}

func parseNum(digits []rune) (uint64, error) {
	n, err := strconv.ParseUint(string(digits), 36, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrMalformed, string(digits))
	}
	return n, nil
}
