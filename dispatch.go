package formdecode

import (
	"context"
	"errors"
	"fmt"
	"mime"

	"github.com/opengs/formdecode/multipart"
	"github.com/opengs/formdecode/source"
	"github.com/opengs/formdecode/urlform"
)

const (
	MediaTypeMultipart  = "multipart/form-data"
	MediaTypeURLEncoded = "application/x-www-form-urlencoded"
)

// Result of Decode. Exactly one of Parts and Fields is set, depending on
// MediaType.
type Result struct {
	MediaType string
	Parts     *multipart.Parts
	Fields    *urlform.Fields
}

// Close releases the multipart parts, if any.
func (r *Result) Close() error {
	if r.Parts != nil {
		return r.Parts.Close()
	}
	return nil
}

// Decode picks the decoder by the request content type and waits for the
// body to be decoded. Cancelling ctx aborts the decode with the context cause,
// also while src is blocked in Read.
func (d *Decoder) Decode(ctx context.Context, contentType string, src source.Source) (*Result, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		err = errors.Join(ErrUnsupportedContentType, err)
		src.Fail(err)
		return nil, err
	}

	switch mediaType {
	case MediaTypeMultipart:
		boundary, ok := params["boundary"]
		if !ok {
			err := fmt.Errorf("%w: %s without boundary", ErrUnsupportedContentType, mediaType)
			src.Fail(err)
			return nil, err
		}
		drv, err := d.multipart(src, boundary)
		if err != nil {
			return nil, err
		}
		parts, err := wait(ctx, drv)
		if err != nil {
			return nil, err
		}
		return &Result{MediaType: mediaType, Parts: parts}, nil

	case MediaTypeURLEncoded:
		drv, err := d.form(src, params["charset"])
		if err != nil {
			return nil, err
		}
		fields, err := wait(ctx, drv)
		if err != nil {
			return nil, err
		}
		return &Result{MediaType: mediaType, Fields: fields}, nil
	}

	err = fmt.Errorf("%w: %s", ErrUnsupportedContentType, mediaType)
	src.Fail(err)
	return nil, err
}
