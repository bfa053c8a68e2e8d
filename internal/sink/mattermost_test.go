package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

type mattermostServer struct {
	uploads     int
	uploadLimit int
	posts       []model.Post
}

func (s *mattermostServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/api/v4/files"):
			s.uploads++
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse upload: %v", err)
			}
			f, _, err := r.FormFile("files")
			if err != nil {
				t.Errorf("form file: %v", err)
				return
			}
			data, _ := io.ReadAll(f)
			if s.uploadLimit > 0 && len(data) > s.uploadLimit {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = io.WriteString(w, `{"id":"api.file.upload_file.too_large","message":"too large","status_code":413}`)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"file_infos":[{"id":"file1"}],"client_ids":[]}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/api/v4/posts"):
			var p model.Post
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				t.Errorf("decode post: %v", err)
			}
			if p.ChannelId == "missing" {
				w.WriteHeader(http.StatusForbidden)
				_, _ = io.WriteString(w, `{"id":"api.context.permissions.app_error","message":"forbidden","status_code":403}`)
				return
			}
			s.posts = append(s.posts, p)
			p.Id = "post1"
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(p)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestMattermost(t *testing.T, s *mattermostServer) *Mattermost {
	t.Helper()
	srv := httptest.NewServer(s.handler(t))
	t.Cleanup(srv.Close)
	m, err := NewMattermost(srv.URL+"/", "tok", 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("new mattermost: %v", err)
	}
	return m
}

func TestNewMattermost_Validation(t *testing.T) {
	if _, err := NewMattermost("", "tok", 0, zerolog.Nop()); err == nil {
		t.Error("expected error for empty server URL")
	}
	if _, err := NewMattermost("https://mm.example.com", "", 0, zerolog.Nop()); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestMattermost_PostText(t *testing.T) {
	s := &mattermostServer{}
	m := newTestMattermost(t, s)

	if err := m.Post(context.Background(), "chan1", bridge.Message{Text: "hello"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(s.posts) != 1 || s.posts[0].ChannelId != "chan1" || s.posts[0].Message != "hello" {
		t.Errorf("posts = %+v", s.posts)
	}
	if s.uploads != 0 {
		t.Errorf("uploads = %d, want 0", s.uploads)
	}
}

func TestMattermost_PostAttachment(t *testing.T) {
	s := &mattermostServer{}
	m := newTestMattermost(t, s)

	msg := bridge.Message{Text: "pic", Media: &bridge.Attachment{Kind: bridge.MediaPhoto, Data: []byte("jpegdata")}}
	if err := m.Post(context.Background(), "chan1", msg); err != nil {
		t.Fatalf("post: %v", err)
	}
	if s.uploads != 1 {
		t.Errorf("uploads = %d, want 1", s.uploads)
	}
	if len(s.posts) != 1 || len(s.posts[0].FileIds) != 1 || s.posts[0].FileIds[0] != "file1" {
		t.Errorf("posts = %+v", s.posts)
	}
}

func TestMattermost_UploadTooLarge(t *testing.T) {
	s := &mattermostServer{uploadLimit: 4}
	m := newTestMattermost(t, s)

	msg := bridge.Message{Text: "pic", Media: &bridge.Attachment{Kind: bridge.MediaPhoto, Data: []byte("too much data")}}
	err := m.Post(context.Background(), "chan1", msg)
	if !errors.Is(err, bridge.ErrPayloadTooLarge) {
		t.Fatalf("error = %v, want ErrPayloadTooLarge", err)
	}
	if len(s.posts) != 0 {
		t.Error("post created despite failed upload")
	}
}

func TestMattermost_Forbidden(t *testing.T) {
	m := newTestMattermost(t, &mattermostServer{})

	err := m.Post(context.Background(), "missing", bridge.Message{Text: "x"})
	if !errors.Is(err, bridge.ErrPermanent) {
		t.Errorf("error = %v, want ErrPermanent", err)
	}
	if err := m.Post(context.Background(), "", bridge.Message{Text: "x"}); !errors.Is(err, bridge.ErrPermanent) {
		t.Errorf("empty channel error = %v, want ErrPermanent", err)
	}
}
