package scanner

import (
	"bytes"
	"strings"
	"testing"

	"github.com/opengs/formdecode/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scannedPart struct {
	Name     string
	FileName string
	Type     string
	Content  string
}

type scanResult struct {
	Parts      []scannedPart
	Violations []ViolationKind
	Complete   bool
	Err        error
}

func scan(t *testing.T, boundary, body string, chunkSize int, config Config) scanResult {
	t.Helper()

	s, err := New(boundary, config)
	require.NoError(t, err)
	defer s.Close()

	var (
		res     scanResult
		current *scannedPart
		content bytes.Buffer
		offset  int
	)
	for {
		ev := s.Next()
		switch ev.Kind {
		case NeedInput:
			end := min(offset+chunkSize, len(body))
			s.Feed(chunk.New([]byte(body[offset:end]), end == len(body)))
			offset = end
		case PartBegin:
			current = &scannedPart{
				Name:     ev.Part.Name,
				FileName: ev.Part.FileName,
				Type:     ev.Part.Header.Get("Content-Type"),
			}
			content.Reset()
		case PartContent:
			require.NotNil(t, current)
			require.NotZero(t, ev.Content.Len())
			content.Write(ev.Content.Bytes())
			ev.Content.Release()
		case PartEnd:
			require.NotNil(t, current)
			current.Content = content.String()
			res.Parts = append(res.Parts, *current)
			current = nil
		case Violated:
			res.Violations = append(res.Violations, ev.Violation.Kind)
		case Complete:
			res.Complete = true
			return res
		case Failed:
			res.Err = ev.Err
			return res
		}
	}
}

const formBody = "This is the preamble.\r\n" +
	"--AaB03x\r\n" +
	"Content-Disposition: form-data; name=\"field1\"\r\n" +
	"\r\n" +
	"Joe Blow\r\n--AaB03 almost a delimiter\r\n-\r\n--\r\n" +
	"--AaB03x\r\n" +
	"Content-Disposition: form-data; name=\"pics\"; filename=\"file1.txt\"\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"... contents of file1.txt ...\r\n" +
	"--AaB03x--\r\n" +
	"This is the epilogue.\r\n--AaB03x\r\n"

var formParts = []scannedPart{
	{Name: "field1", Content: "Joe Blow\r\n--AaB03 almost a delimiter\r\n-\r\n--"},
	{Name: "pics", FileName: "file1.txt", Type: "text/plain", Content: "... contents of file1.txt ..."},
}

func TestScanForm(t *testing.T) {
	before := chunk.Live()

	res := scan(t, "AaB03x", formBody, len(formBody), DefaultConfig())
	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	assert.Empty(t, res.Violations)
	assert.Equal(t, formParts, res.Parts)

	assert.Equal(t, before, chunk.Live())
}

func TestScanIndependentOfChunking(t *testing.T) {
	before := chunk.Live()

	for size := 1; size <= len(formBody); size++ {
		res := scan(t, "AaB03x", formBody, size, DefaultConfig())
		require.NoError(t, res.Err, "chunk size %d", size)
		require.True(t, res.Complete, "chunk size %d", size)
		require.Equal(t, formParts, res.Parts, "chunk size %d", size)
	}

	assert.Equal(t, before, chunk.Live())
}

func TestScanContentSlicesShareInput(t *testing.T) {
	s, err := New("b", DefaultConfig())
	require.NoError(t, err)
	defer s.Close()

	in := chunk.New([]byte("--b\r\n\r\nhello\r\n--b--"), true)
	require.Equal(t, NeedInput, s.Next().Kind)
	s.Feed(in)

	require.Equal(t, PartBegin, s.Next().Kind)
	ev := s.Next()
	require.Equal(t, PartContent, ev.Kind)
	assert.Equal(t, "hello", string(ev.Content.Bytes()))
	assert.Equal(t, 5, cap(ev.Content.Bytes()))
	ev.Content.Release()

	assert.Equal(t, PartEnd, s.Next().Kind)
	assert.Equal(t, Complete, s.Next().Kind)
	assert.Equal(t, Complete, s.Next().Kind)
}

func TestScanEmptyPartWithoutHeaders(t *testing.T) {
	res := scan(t, "b", "--b\r\n\r\n\r\n--b--", 3, DefaultConfig())
	require.NoError(t, res.Err)
	assert.Equal(t, []scannedPart{{}}, res.Parts)
}

func TestScanNoParts(t *testing.T) {
	res := scan(t, "b", "--b--\r\n", 64, DefaultConfig())
	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	assert.Empty(t, res.Parts)
}

func TestScanTransportPadding(t *testing.T) {
	body := "--b \t\r\n" +
		"Content-Disposition: form-data; name=\"a\"\r\n\r\n" +
		"v\r\n" +
		"--b\t\r\n" +
		"Content-Disposition: form-data; name=\"c\"\r\n\r\n" +
		"w\r\n" +
		"--b--"

	res := scan(t, "b", body, 2, DefaultConfig())
	require.NoError(t, res.Err)
	assert.Equal(t, []scannedPart{{Name: "a", Content: "v"}, {Name: "c", Content: "w"}}, res.Parts)
}

func TestScanLFOnlyBody(t *testing.T) {
	body := "--b\n" +
		"Content-Disposition: form-data; name=\"a\"\n\n" +
		"line one\r\nline two\n" +
		"--b--\n"

	for _, size := range []int{1, 5, len(body)} {
		res := scan(t, "b", body, size, DefaultConfig())
		require.NoError(t, res.Err)
		assert.Equal(t, []scannedPart{{Name: "a", Content: "line one\r\nline two"}}, res.Parts)
		assert.Equal(t, []ViolationKind{LFLineTermination}, res.Violations)
	}
}

func TestScanBareLFInHeaders(t *testing.T) {
	body := "--b\r\n" +
		"Content-Disposition: form-data; name=\"a\"\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"v\r\n--b--"

	res := scan(t, "b", body, 4, DefaultConfig())
	require.NoError(t, res.Err)
	assert.Equal(t, []scannedPart{{Name: "a", Type: "text/plain", Content: "v"}}, res.Parts)
	assert.Equal(t, []ViolationKind{LFLineTermination}, res.Violations)
}

func TestScanTransferEncodingViolations(t *testing.T) {
	part := func(name, cte string) string {
		return "--b\r\n" +
			"Content-Disposition: form-data; name=\"" + name + "\"\r\n" +
			"Content-Transfer-Encoding: " + cte + "\r\n\r\n" +
			"x\r\n"
	}
	body := part("a", "base64") +
		part("b", "Quoted-Printable") +
		part("c", "binary") +
		part("d", "8bit") +
		part("e", "7bit") +
		"--b--"

	res := scan(t, "b", body, 7, DefaultConfig())
	require.NoError(t, res.Err)
	assert.Len(t, res.Parts, 5)
	assert.Equal(t, []ViolationKind{
		Base64TransferEncoding,
		QuotedPrintableTransferEncoding,
		ContentTransferEncoding,
	}, res.Violations)
}

func TestScanContentDispositionViolation(t *testing.T) {
	body := "--b\r\n" +
		"Content-Disposition: attachment; name=\"a\"\r\n\r\n" +
		"x\r\n--b--"

	res := scan(t, "b", body, 64, DefaultConfig())
	require.NoError(t, res.Err)
	assert.Equal(t, []ViolationKind{ContentDisposition}, res.Violations)
	assert.Equal(t, "a", res.Parts[0].Name)
}

func TestScanFailures(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		config Config
		err    error
	}{
		{
			name: "garbage after boundary",
			body: "--bX\r\n\r\nv\r\n--b--",
			err:  ErrMalformedBoundary,
		},
		{
			name: "garbage in close delimiter",
			body: "--b\r\n\r\nv\r\n--b-x",
			err:  ErrMalformedBoundary,
		},
		{
			name: "CR without LF",
			body: "--b\r\r\n\r\nv\r\n--b--",
			err:  ErrMalformedBoundary,
		},
		{
			name: "truncated content",
			body: "--b\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\nvalue",
			err:  ErrUnexpectedEOF,
		},
		{
			name: "truncated headers",
			body: "--b\r\nContent-Disposition: form-data",
			err:  ErrUnexpectedEOF,
		},
		{
			name: "no delimiter",
			body: "just some text",
			err:  ErrUnexpectedEOF,
		},
		{
			name: "empty body",
			body: "",
			err:  ErrUnexpectedEOF,
		},
		{
			name: "malformed header line",
			body: "--b\r\nnot a header\r\n\r\nv\r\n--b--",
			err:  ErrMalformedHeader,
		},
		{
			name:   "headers too large",
			body:   "--b\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\nv\r\n--b--",
			config: Config{MaxHeadersSize: 16},
			err:    ErrHeadersTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := chunk.Live()
			config := tt.config
			if config == (Config{}) {
				config = DefaultConfig()
			}

			for _, size := range []int{1, 3, max(1, len(tt.body))} {
				res := scan(t, "b", tt.body, size, config)
				require.ErrorIs(t, res.Err, tt.err, "chunk size %d", size)
				assert.False(t, res.Complete)
			}
			assert.Equal(t, before, chunk.Live())
		})
	}
}

func TestScanHeadersAtLimit(t *testing.T) {
	header := "Content-Disposition: form-data; name=\"a\"\r\n\r\n"
	body := "--b\r\n" + header + "v\r\n--b--"

	res := scan(t, "b", body, 5, Config{MaxHeadersSize: len(header)})
	require.NoError(t, res.Err)

	res = scan(t, "b", body, 5, Config{MaxHeadersSize: -1})
	require.NoError(t, res.Err)
}

func TestNewRejectsInvalidBoundary(t *testing.T) {
	for _, boundary := range []string{"", strings.Repeat("x", 71), "a\r\nb", "a\nb"} {
		_, err := New(boundary, DefaultConfig())
		assert.ErrorIs(t, err, ErrInvalidBoundary, "boundary %q", boundary)
	}

	_, err := New(strings.Repeat("x", 70), DefaultConfig())
	assert.NoError(t, err)
}

func TestCloseReleasesInput(t *testing.T) {
	before := chunk.Live()

	s, err := New("b", DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, NeedInput, s.Next().Kind)
	s.Feed(chunk.New([]byte("--b\r\n\r\nsome content"), false))
	require.Equal(t, PartBegin, s.Next().Kind)

	s.Close()
	assert.Equal(t, before, chunk.Live())
	assert.Equal(t, Failed, s.Next().Kind)

	s.Feed(chunk.New([]byte("ignored"), true))
	assert.Equal(t, before, chunk.Live())
}
