// Package apitest is an in-memory CarePrep backend serving the REST surface
// the api package talks to. Requests are authenticated with an
// auth.Authenticator, so it can sit behind a real identity provider's
// tokens in tests and in the CLI's development mode.
package apitest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/careprep/careprep-go/auth"
	"github.com/careprep/careprep-go/internal/logctx"
	"github.com/careprep/careprep-go/internal/wellknown"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	realm          = "careprep"
	maxUploadBytes = 10 << 20
)

// Symptom is a logged symptom entry.
type Symptom struct {
	ID        string    `json:"id"`
	Symptom   string    `json:"symptom"`
	Severity  int       `json:"severity"`
	Notes     string    `json:"notes,omitempty"`
	Date      string    `json:"date"`
	CreatedAt time.Time `json:"createdAt"`
}

// Document is an uploaded file's metadata.
type Document struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	Size     int64  `json:"size"`
	// ProcessedText is set once the document has been summarized.
	ProcessedText string    `json:"processedText,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Medication is one medication extracted from a document.
type Medication struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage,omitempty"`
	Timing string `json:"timing,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// FollowUp is one follow-up action extracted from a document.
type FollowUp struct {
	Action string `json:"action"`
	Timing string `json:"timing,omitempty"`
}

// VisitSummary is the simplified explanation of a processed document.
type VisitSummary struct {
	ID             string       `json:"id"`
	DocumentID     string       `json:"documentId"`
	FileName       string       `json:"fileName"`
	PatientSummary string       `json:"patientSummary"`
	DoctorSummary  string       `json:"doctorSummary,omitempty"`
	Medications    []Medication `json:"medications"`
	FollowUps      []FollowUp   `json:"followUps"`
	RedFlags       []string     `json:"redFlags"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// ChatResponder produces the assistant reply for one chat message.
type ChatResponder func(message, mode string, chatContext json.RawMessage) string

type account struct {
	symptoms  []Symptom
	documents []Document
	summaries []VisitSummary
}

// Server is the fake backend. It implements http.Handler.
type Server struct {
	authn   auth.Authenticator
	log     *slog.Logger
	now     func() time.Time
	respond ChatResponder
	router  chi.Router
	// authServers are advertised through protected resource metadata.
	authServers []string

	mu       sync.Mutex
	accounts map[string]*account
	requests int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAuthorizationServer advertises issuer in the protected resource
// metadata document and points 401 challenges at that document.
func WithAuthorizationServer(issuer string) Option {
	return func(s *Server) {
		if issuer != "" {
			s.authServers = append(s.authServers, issuer)
		}
	}
}

// WithChatResponder replaces the canned assistant.
func WithChatResponder(fn ChatResponder) Option {
	return func(s *Server) {
		if fn != nil {
			s.respond = fn
		}
	}
}

// New creates a Server authenticating bearer tokens with authn.
func New(authn auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		authn:    authn,
		log:      slog.Default(),
		now:      time.Now,
		respond:  cannedReply,
		accounts: make(map[string]*account),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(s.countRequests)
	if len(s.authServers) > 0 {
		r.Method(http.MethodGet, wellknown.ProtectedResourcePath, wellknown.Handler(s.authServers, "CarePrep"))
	}
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/auth/verify", s.verify)
		r.Route("/symptoms", func(r chi.Router) {
			r.Post("/add", s.addSymptom)
			r.Get("/list", s.listSymptoms)
			r.Post("/summary", s.summarizeSymptoms)
			r.Delete("/{id}", s.deleteSymptom)
		})
		r.Route("/documents", func(r chi.Router) {
			r.Post("/upload", s.uploadDocument)
			r.Get("/list", s.listDocuments)
			r.Delete("/{id}", s.deleteDocument)
			r.Get("/{id}/processed", s.processedDocument)
		})
		r.Route("/ai", func(r chi.Router) {
			r.Post("/summarize", s.summarize)
			r.Post("/chat", s.chat)
			r.Get("/summary", s.latestSummary)
		})
		r.Route("/visit-summaries", func(r chi.Router) {
			r.Get("/list", s.listSummaries)
			r.Get("/latest", s.latestSummary)
			r.Get("/{id}", s.getSummary)
		})
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Requests returns the number of requests served so far.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// AddSummary seeds a visit summary for userID, as if a document had been
// processed out of band.
func (s *Server) AddSummary(userID string, vs VisitSummary) VisitSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vs.ID == "" {
		vs.ID = uuid.NewString()
	}
	if vs.CreatedAt.IsZero() {
		vs.CreatedAt = s.now().UTC()
	}
	a := s.accountLocked(userID)
	a.summaries = append(a.summaries, vs)
	return vs
}

type userKey struct{}

func userFrom(r *http.Request) auth.UserInfo {
	u, _ := r.Context().Value(userKey{}).(auth.UserInfo)
	return u
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID: r.Header.Get("X-Request-ID"),
			Method:    r.Method,
			Path:      r.URL.Path,
		})
		tok, ok := auth.BearerToken(r)
		if !ok {
			s.log.InfoContext(ctx, "apitest.auth.missing")
			auth.NewAuthenticationRequired(realm).WithResourceMetadata(s.metadataURL(r)).Write(w)
			return
		}
		user, err := s.authn.CheckAuthentication(ctx, tok)
		if err != nil {
			s.log.InfoContext(ctx, "apitest.auth.rejected", slog.String("err", err.Error()))
			auth.NewInvalidTokenChallenge(realm, "the access token is invalid or expired").WithResourceMetadata(s.metadataURL(r)).Write(w)
			return
		}
		ctx = context.WithValue(ctx, userKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) metadataURL(r *http.Request) string {
	if len(s.authServers) == 0 {
		return ""
	}
	return wellknown.MetadataURL(r)
}

func (s *Server) accountLocked(userID string) *account {
	a, ok := s.accounts[userID]
	if !ok {
		a = &account{}
		s.accounts[userID] = a
	}
	return a
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"uid":   u.UserID(),
		"email": u.Email(),
	})
}

type addSymptomRequest struct {
	Symptom  string `json:"symptom"`
	Severity int    `json:"severity"`
	Notes    string `json:"notes"`
	Date     string `json:"date"`
}

func (s *Server) addSymptom(w http.ResponseWriter, r *http.Request) {
	var req addSymptomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Symptom = strings.TrimSpace(req.Symptom)
	switch {
	case req.Symptom == "":
		writeError(w, http.StatusBadRequest, "symptom is required")
		return
	case req.Severity < 1 || req.Severity > 10:
		writeError(w, http.StatusBadRequest, "severity must be between 1 and 10")
		return
	}
	now := s.now().UTC()
	if req.Date == "" {
		req.Date = now.Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, req.Date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	sym := Symptom{
		ID:        uuid.NewString(),
		Symptom:   req.Symptom,
		Severity:  req.Severity,
		Notes:     req.Notes,
		Date:      req.Date,
		CreatedAt: now,
	}
	s.mu.Lock()
	a := s.accountLocked(userFrom(r).UserID())
	a.symptoms = append(a.symptoms, sym)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"id": sym.ID, "symptom": sym})
}

func (s *Server) listSymptoms(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := append([]Symptom{}, s.accountLocked(userFrom(r).UserID()).symptoms...)
	s.mu.Unlock()
	sort.SliceStable(list, func(i, j int) bool { return list[i].Date < list[j].Date })
	writeJSON(w, http.StatusOK, map[string]any{"symptoms": list})
}

func (s *Server) deleteSymptom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	a := s.accountLocked(userFrom(r).UserID())
	found := false
	for i, sym := range a.symptoms {
		if sym.ID == id {
			a.symptoms = append(a.symptoms[:i], a.symptoms[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "symptom not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) summarizeSymptoms(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := append([]Symptom{}, s.accountLocked(userFrom(r).UserID()).symptoms...)
	s.mu.Unlock()
	if len(list) == 0 {
		writeError(w, http.StatusBadRequest, "no symptoms logged")
		return
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Date < list[j].Date })
	worst := list[0]
	for _, sym := range list[1:] {
		if sym.Severity > worst.Severity {
			worst = sym
		}
	}
	summary := fmt.Sprintf("You logged %d symptom(s) between %s and %s. The most severe was %s (%d/10) on %s.",
		len(list), list[0].Date, list[len(list)-1].Date, worst.Symptom, worst.Severity, worst.Date)
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	size, err := io.Copy(io.Discard, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if size > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds 10MB")
		return
	}
	fileType := mime.TypeByExtension(path.Ext(header.Filename))
	if fileType == "" {
		fileType = header.Header.Get("Content-Type")
	}

	doc := Document{
		ID:        uuid.NewString(),
		FileName:  header.Filename,
		FileType:  fileType,
		Size:      size,
		CreatedAt: s.now().UTC(),
	}
	s.mu.Lock()
	a := s.accountLocked(userFrom(r).UserID())
	a.documents = append(a.documents, doc)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"document": doc})
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := append([]Document{}, s.accountLocked(userFrom(r).UserID()).documents...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"documents": list})
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	a := s.accountLocked(userFrom(r).UserID())
	found := false
	for i, doc := range a.documents {
		if doc.ID == id {
			a.documents = append(a.documents[:i], a.documents[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) processedDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountLocked(userFrom(r).UserID())
	for _, doc := range a.documents {
		if doc.ID != id {
			continue
		}
		if doc.ProcessedText == "" {
			writeError(w, http.StatusNotFound, "document has not been processed")
			return
		}
		for _, vs := range a.summaries {
			if vs.DocumentID == id {
				writeJSON(w, http.StatusOK, map[string]any{"document": doc, "summary": vs})
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, "document not found")
}

func (s *Server) summarize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID string `json:"documentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, "documentId is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountLocked(userFrom(r).UserID())
	for i := range a.documents {
		doc := &a.documents[i]
		if doc.ID != req.DocumentID {
			continue
		}
		doc.ProcessedText = fmt.Sprintf("Extracted text of %s.", doc.FileName)
		vs := VisitSummary{
			ID:             uuid.NewString(),
			DocumentID:     doc.ID,
			FileName:       doc.FileName,
			PatientSummary: fmt.Sprintf("This is a plain-language summary of %s.", doc.FileName),
			DoctorSummary:  "No acute findings.",
			Medications:    []Medication{},
			FollowUps:      []FollowUp{{Action: "Schedule a follow-up visit", Timing: "in 2 weeks"}},
			RedFlags:       []string{"Fever above 39C lasting more than two days"},
			CreatedAt:      s.now().UTC(),
		}
		a.summaries = append(a.summaries, vs)
		writeJSON(w, http.StatusOK, map[string]any{"summary": vs})
		return
	}
	writeError(w, http.StatusNotFound, "document not found")
}

type chatRequest struct {
	Message string          `json:"message"`
	Mode    string          `json:"mode"`
	Context json.RawMessage `json:"context"`
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Mode != "pre_visit" && req.Mode != "post_visit" {
		writeError(w, http.StatusBadRequest, "mode must be pre_visit or post_visit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": s.respond(req.Message, req.Mode, req.Context)})
}

func cannedReply(message, mode string, chatContext json.RawMessage) string {
	if mode == "post_visit" {
		return fmt.Sprintf("Here is what your latest visit summary says about %q. Ask your care team if anything is unclear.", message)
	}
	return fmt.Sprintf("To prepare for your visit, write down when %q started and how it has changed.", message)
}

// sortedSummaries returns the account's summaries, newest first.
func (s *Server) sortedSummaries(r *http.Request) []VisitSummary {
	s.mu.Lock()
	list := append([]VisitSummary{}, s.accountLocked(userFrom(r).UserID()).summaries...)
	s.mu.Unlock()
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}

func (s *Server) listSummaries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"summaries": s.sortedSummaries(r)})
}

func (s *Server) latestSummary(w http.ResponseWriter, r *http.Request) {
	list := s.sortedSummaries(r)
	var latest *VisitSummary
	if len(list) > 0 {
		latest = &list[0]
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": latest})
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, vs := range s.sortedSummaries(r) {
		if vs.ID == id {
			writeJSON(w, http.StatusOK, map[string]any{"summary": vs})
			return
		}
	}
	writeError(w, http.StatusNotFound, "summary not found")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
