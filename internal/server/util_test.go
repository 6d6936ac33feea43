package server

import (
	"errors"
	"net/http"
	"testing"

	"github.com/loykin/scripthost/internal/job"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	valid := []string{"a.py", "A1._-.py", "name.1-2_3.py"}
	invalid := []string{"", "..", "a..py", "a/b.py", `a\\b.py`, "hello*.py", "unicode한글.py"}
	for _, s := range valid {
		if !isSafeName(s) {
			t.Fatalf("expected valid name %q", s)
		}
	}
	for _, s := range invalid {
		if isSafeName(s) {
			t.Fatalf("expected invalid name %q", s)
		}
	}
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{job.Errorf(job.ErrNotFound, "x", "job not found"), http.StatusNotFound},
		{job.Errorf(job.ErrAlreadyInState, "x", "already running"), http.StatusConflict},
		{job.Errorf(job.ErrProvisioning, "x", "failed"), http.StatusUnprocessableEntity},
		{&job.Error{Kind: job.ErrSpawn, Op: "start", Err: errors.New("exec")}, http.StatusUnprocessableEntity},
		{job.Errorf(job.ErrInvalid, "x", "bad"), http.StatusBadRequest},
		{job.Errorf(job.ErrPersistence, "x", "disk"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusCode(c.err); got != c.want {
			t.Fatalf("statusCode(%v)=%d want %d", c.err, got, c.want)
		}
	}
}
