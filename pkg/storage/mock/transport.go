package mock

import (
	"net/http"
	"net/http/httptest"
)

// Transport returns an http.RoundTripper that serves requests in-process,
// letting an HTTP client talk to the server without a listener.
func (s *Server) Transport() http.RoundTripper {
	return roundTripper{handler: s}
}

type roundTripper struct {
	handler http.Handler
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		defer req.Body.Close()
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	in := req.Clone(req.Context())
	if in.Body == nil {
		in.Body = http.NoBody
	}
	in.RequestURI = in.URL.RequestURI()

	rec := httptest.NewRecorder()
	rt.handler.ServeHTTP(rec, in)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}
