package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scripthost/internal/channel"
	"github.com/loykin/scripthost/internal/job"
)

// MaxUpload caps the size of a submitted script.
const MaxUpload = 4 << 20

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates uploaded file names.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func parseOwner(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, job.Errorf(job.ErrInvalid, "parse owner", "invalid owner id %q", s)
	}
	return id, nil
}

// statusCode maps a lifecycle error to an HTTP status.
func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrAlreadyInState):
		return http.StatusConflict
	case errors.Is(err, job.ErrProvisioning), errors.Is(err, job.ErrSpawn):
		return http.StatusUnprocessableEntity
	case errors.Is(err, job.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// replyCode is the HTTP status for a dispatched reply.
func replyCode(r channel.Reply) int {
	if r.Err != nil {
		return statusCode(r.Err)
	}
	if r.Kind == channel.KindSubmit && r.Outcome == channel.OutcomeOK {
		return http.StatusCreated
	}
	return http.StatusOK
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > MaxUpload {
		return nil, job.Errorf(job.ErrInvalid, "upload", "script larger than %d bytes", MaxUpload)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readLimited(f)
}

func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxUpload+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(b) > MaxUpload {
		return nil, job.Errorf(job.ErrInvalid, "upload", "script larger than %d bytes", MaxUpload)
	}
	return b, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
