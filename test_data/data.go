package testdata

import _ "embed"

// Boundary of the Multipart body.
const Boundary = "formdecode-fixture-7MA4YWxkTrZu0gW"

// MultipartContentType is the request content type of Multipart.
const MultipartContentType = "multipart/form-data; boundary=" + Boundary

// Browser style multipart/form-data body with a preamble, an epilogue, a
// _charset_ part, a repeated field and two file uploads.
//
//go:embed form.multipart
var Multipart []byte

//go:embed form.urlencoded
var URLEncoded []byte

//go:embed pixel.png
var PNG []byte
