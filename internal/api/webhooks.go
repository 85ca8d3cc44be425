package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/palemoky/xiaomi-speaker/internal/dispatch"
	"github.com/palemoky/xiaomi-speaker/internal/language"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

const maxWebhookBody = 1 << 20

// githubEvent is the slice of the webhook payload we care about. GitHub
// sends far more; unknown fields are ignored on purpose.
type githubEvent struct {
	Action      string `json:"action"`
	WorkflowRun *struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		HeadBranch string `json:"head_branch"`
	} `json:"workflow_run"`
	WorkflowJob *struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		HeadBranch string `json:"head_branch"`
	} `json:"workflow_job"`
	CheckRun *struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		CheckSuite struct {
			HeadBranch string `json:"head_branch"`
		} `json:"check_suite"`
	} `json:"check_run"`
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// run flattens the three CI event shapes into the fields the templates use.
type ciRun struct {
	Name       string
	Conclusion string
	Branch     string
}

func (e githubEvent) run(eventType string) (ciRun, bool) {
	switch eventType {
	case "workflow_run":
		if e.WorkflowRun == nil {
			return ciRun{}, false
		}
		return ciRun{e.WorkflowRun.Name, e.WorkflowRun.Conclusion, e.WorkflowRun.HeadBranch}, true
	case "workflow_job":
		if e.WorkflowJob == nil {
			return ciRun{}, false
		}
		return ciRun{e.WorkflowJob.Name, e.WorkflowJob.Conclusion, e.WorkflowJob.HeadBranch}, true
	case "check_run":
		if e.CheckRun == nil {
			return ciRun{}, false
		}
		return ciRun{e.CheckRun.Name, e.CheckRun.Conclusion, e.CheckRun.CheckSuite.HeadBranch}, true
	}
	return ciRun{}, false
}

func (s *Server) handleGithub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !verifySignature(s.cfg.GithubWebhookSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		s.log.Warn("github webhook signature rejected",
			logx.String("remote", r.RemoteAddr),
			logx.String("event", r.Header.Get("X-GitHub-Event")))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	switch eventType {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case "workflow_run", "workflow_job", "check_run":
	default:
		// Signed but uninteresting. Acknowledge so GitHub does not redeliver.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var ev githubEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	run, ok := ev.run(eventType)
	if ev.Action != "completed" || !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	text := s.renderGithub(ev, run)
	s.enqueue(w, r, dispatch.Message{Source: "github", Text: text})
}

func (s *Server) renderGithub(ev githubEvent, run ciRun) string {
	var tpl string
	switch run.Conclusion {
	case "success":
		tpl = s.templates.GithubSuccess
	case "failure", "timed_out", "startup_failure":
		tpl = s.templates.GithubFailure
	default:
		tpl = s.templates.Generic
	}
	repo := ev.Repository.Name
	if repo == "" {
		repo = ev.Repository.FullName
	}
	return strings.NewReplacer(
		"{repo}", repo,
		"{workflow}", run.Name,
		"{branch}", run.Branch,
		"{conclusion}", run.Conclusion,
	).Replace(tpl)
}

// verifySignature checks GitHub's X-Hub-Signature-256 header. An empty
// configured secret rejects everything: an unauthenticated webhook that can
// make a speaker talk is not a feature.
func verifySignature(secret, header string, body []byte) bool {
	if secret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

type customRequest struct {
	Text      string `json:"text"`
	Language  string `json:"language"`
	DedupeKey string `json:"dedupe_key"`
}

func (s *Server) handleCustom(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	var req customRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	if utf8.RuneCountInString(req.Text) > s.cfg.MaxMessageLen {
		writeError(w, http.StatusBadRequest, "text too long")
		return
	}
	if req.Language != "" {
		if _, ok := language.Parse(req.Language); !ok {
			writeError(w, http.StatusBadRequest, "unsupported language")
			return
		}
	}

	s.enqueue(w, r, dispatch.Message{
		Source:       "custom",
		Text:         req.Text,
		LanguageHint: req.Language,
		DedupeKey:    req.DedupeKey,
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return false
	}
	key := r.Header.Get("X-API-Key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1
}
