package mux

import (
	"net/http"
)

type ResponseWriter interface {
	http.ResponseWriter
	WriteError(statusCode int, err error)
	SetHandler(handler string)
	Error() error
	Status() int
	Size() int64
}

var _ ResponseWriter = &response{}

type response struct {
	http.ResponseWriter
	error         error
	handler       string
	status        int
	size          int64
	writtenHeader bool
}

func (r *response) WriteHeader(statusCode int) {
	if !r.writtenHeader {
		r.writtenHeader = true
		r.status = statusCode
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *response) Write(b []byte) (int, error) {
	if !r.writtenHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *response) WriteError(statusCode int, err error) {
	r.error = err
	r.WriteHeader(statusCode)
}

func (r *response) SetHandler(handler string) {
	r.handler = handler
}

func (r *response) Error() error {
	return r.error
}

func (r *response) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *response) Size() int64 {
	return r.size
}

func (r *response) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
