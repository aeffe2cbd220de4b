package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opengs/formdecode"
	"github.com/opengs/formdecode/multipart"
	"github.com/opengs/formdecode/scanner"
	"github.com/opengs/formdecode/source"
	"github.com/opengs/formdecode/urlform"
	testdata "github.com/opengs/formdecode/test_data"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{formdecode.ErrBodyTooLarge, OutcomeLimit},
		{errors.Join(errors.New("wrapped"), urlform.ErrTooManyFields), OutcomeLimit},
		{scanner.ErrMalformedHeader, OutcomeProtocol},
		{formdecode.ErrUnsupportedContentType, OutcomeUnsupported},
		{formdecode.ErrAborted, OutcomeAborted},
		{multipart.ErrSpool, OutcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "%v", tt.err)
	}
}

func TestObserveDecode(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	config := formdecode.DefaultConfig()
	config.MaxMemoryPartSize = 16
	config.SpoolDirectory = t.TempDir()
	d, err := formdecode.New(config,
		formdecode.WithPartListener(m.ObservePart),
		formdecode.WithViolationListener(m.ObserveViolation),
	)
	require.NoError(t, err)

	done := m.Start(formdecode.MediaTypeMultipart)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflight))
	result, err := d.Decode(t.Context(), testdata.MultipartContentType, source.Bytes(testdata.Multipart, 100))
	done(err)
	require.NoError(t, err)
	require.NoError(t, result.Close())

	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(formdecode.MediaTypeMultipart, OutcomeOK)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.parts.WithLabelValues("memory")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.parts.WithLabelValues("file")))
	assert.Equal(t, float64(len(testdata.PNG)+42), testutil.ToFloat64(m.partBytes.WithLabelValues("file")))

	done = m.Start(formdecode.MediaTypeURLEncoded)
	done(urlform.ErrInvalidEscape)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(formdecode.MediaTypeURLEncoded, OutcomeProtocol)))

	m.ObserveViolation(scanner.Violation{Kind: scanner.LFLineTermination})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.violations.WithLabelValues("lf-line-termination")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Start(formdecode.MediaTypeURLEncoded)(nil)

	server := httptest.NewServer(Handler(reg))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `formdecode_decoder_requests_total{media_type="application/x-www-form-urlencoded",outcome="ok"} 1`)
	assert.Contains(t, string(body), "formdecode_chunk_live")
}
