package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/pavel-fokin/files-depot/internal/access"
	"github.com/pavel-fokin/files-depot/internal/auth"
	"github.com/pavel-fokin/files-depot/internal/files"
)

// largest text field accepted alongside an upload
const maxFieldSize = 64 << 10

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func readCredentials(r *http.Request) (credentials, error) {
	var c credentials
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			return c, err
		}
		return c, nil
	}
	if err := r.ParseForm(); err != nil {
		return c, err
	}
	c.Username = r.PostFormValue("username")
	c.Password = r.PostFormValue("password")
	return c, nil
}

func login(cfg *Config, sessions *auth.Sessions, identities access.IdentityProvider, throttle *loginThrottle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !throttle.allow(r) {
			writeError(w, r, errTooManyAttempts())
			return
		}

		c, err := readCredentials(r)
		if err != nil {
			writeError(w, r, errMalformed("invalid login request", err))
			return
		}

		p, err := identities.Authenticate(r.Context(), c.Username, c.Password)
		if err != nil {
			writeError(w, r, err)
			return
		}

		token, err := sessions.Issue(p.Username)
		if err != nil {
			writeError(w, r, err)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    token,
			Path:     "/",
			MaxAge:   int(sessions.TTL().Seconds()),
			HttpOnly: true,
			Secure:   cfg.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})

		slog.Info("User logged in", "username", p.Username, "role", p.Role)
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Logged in",
			"role":    p.Role,
			"token":   token,
		})
	}
}

func logout(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   cfg.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})
		writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
	}
}

func session(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if !p.Authenticated() {
		writeError(w, r, access.Authorize(p, access.OpList, nil))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// upload is the "file" part of a multipart body plus the text fields sent
// before it.
type upload struct {
	fields   map[string]string
	filename string
	content  io.Reader
}

// readUpload walks a multipart body and stops at the "file" part, so the
// content streams straight into staging. Fields after the file part are
// not read.
func readUpload(r *http.Request) (*upload, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errMalformed("expected a multipart form", err)
	}

	u := &upload{fields: make(map[string]string)}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errMalformed("no file uploaded", nil)
		}
		if err != nil {
			return nil, multipartError(err)
		}

		name := part.FormName()
		if name == "file" {
			if part.FileName() == "" {
				return nil, errMalformed("file part has no filename", nil)
			}
			u.filename = part.FileName()
			u.content = part
			return u, nil
		}
		if name == "" || part.FileName() != "" {
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
		if err != nil {
			return nil, multipartError(err)
		}
		if len(value) > maxFieldSize {
			return nil, errMalformed("form field too large", fmt.Errorf("field %q exceeds %d bytes", name, maxFieldSize))
		}
		u.fields[name] = string(value)
	}
}

func multipartError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errBodyTooLarge(tooLarge.Limit)
	}
	return errMalformed("failed to read multipart form", err)
}

func isChecked(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "on" || v == "true"
}

func uploadFile(cfg *Config, svc *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if err := access.Authorize(p, access.OpCreate, nil); err != nil {
			writeError(w, r, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.UploadTimeout)
		defer cancel()

		u, err := readUpload(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		item, err := svc.Create(ctx, p, &files.CreateRequest{
			Title:        u.fields["title"],
			Desc:         u.fields["desc"],
			Category:     u.fields["category"],
			Public:       isChecked(u.fields["public"]),
			OriginalName: u.filename,
			Content:      u.content,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"message": "uploaded", "item": item})
	}
}

func updateFile(cfg *Config, svc *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if err := access.Authorize(p, access.OpReplace, nil); err != nil {
			writeError(w, r, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.UploadTimeout)
		defer cancel()

		u, err := readUpload(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		item, err := svc.Replace(ctx, p, &files.ReplaceRequest{
			Key:          r.PathValue("filename"),
			OriginalName: u.filename,
			Content:      u.content,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"message": "File updated", "item": item})
	}
}

func deleteFile(svc *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Delete(r.Context(), principalFrom(r.Context()), r.PathValue("filename")); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Deleted successfully"})
	}
}

func listPublic(svc *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.ListPublic())
	}
}

func listAll(svc *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := svc.List(principalFrom(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func download(svc *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, content, err := svc.Open(r.Context(), principalFrom(r.Context()), r.PathValue("filename"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer content.Close()

		contentType := item.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{
			"filename": item.OriginalName,
		}))
		w.Header().Set("X-Content-Type-Options", "nosniff")

		if rs, ok := content.(io.ReadSeeker); ok {
			http.ServeContent(w, r, item.Filename, item.UploadedAt, rs)
			return
		}
		if _, err := io.Copy(w, content); err != nil {
			slog.Warn("Download interrupted", "filename", item.Filename, "error", err)
		}
	}
}
