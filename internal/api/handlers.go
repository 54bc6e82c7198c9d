package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/factoryos/auditledger/internal/audit"
)

// maxBodyBytes caps request bodies. Before/after snapshots are the bulk
// of an append.
const maxBodyBytes = 4 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAppend records one entry.
// POST /api/entries
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req audit.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	e, err := s.opts.Writer.Append(r.Context(), req)
	if err != nil {
		failClosed := s.failure.FailClosed(req)
		writeErrorBody(w, err, &failClosed)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/entries/%d", e.Sequence))
	writeJSON(w, http.StatusCreated, e)
}

// handleQuery returns one page of entries.
// GET /api/entries?category=SECURITY&search=login&page=2&page_size=100&sort=severity
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.opts.Query.Query(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleGet returns one entry.
// GET /api/entries/{seq}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: sequence_id must be an integer", audit.ErrInvalidFilter))
		return
	}
	e, err := s.opts.Query.Get(r.Context(), seq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleExport streams an export artifact as a download.
// GET /api/export?format=csv&include_hashes=true&category=DATA
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	filter, err := parseFilter(v)
	if err != nil {
		writeError(w, err)
		return
	}
	format, err := audit.ParseFormat(v.Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	hashes, err := parseBool(v, "include_hashes")
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.opts.Exporter.Export(r.Context(), audit.ExportRequest{
		Filter:        filter,
		Format:        format,
		IncludeHashes: hashes,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.Header().Set("X-Export-Id", res.ID)
	w.Header().Set("X-Record-Count", strconv.Itoa(res.RecordCount))
	w.WriteHeader(http.StatusOK)
	w.Write(res.Data)
}

// handleVerify verifies a range of the chain. An empty body verifies
// everything.
// POST /api/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req audit.VerifyRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := s.opts.Verifier.Verify(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleRetention applies the current policy set.
// POST /api/retention?dry_run=true
func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	dryRun, err := parseBool(r.URL.Query(), "dry_run")
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.opts.Retention.Apply(r.Context(), s.opts.Policies(), dryRun)
	if err != nil {
		if res == nil {
			writeError(w, err)
			return
		}
		// Partial run: report what was done alongside the failure.
		writeJSON(w, statusFor(audit.Classify(err)), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statusResponse struct {
	Tail             audit.Tail             `json:"tail"`
	Policies         int                    `json:"retention_policies"`
	LastVerification *audit.IntegrityReport `json:"last_verification,omitempty"`
	Time             time.Time              `json:"time"`
}

// handleStatus reports the chain tail and the last scheduled verification.
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tail, err := s.opts.Store.Tail(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{
		Tail:     tail,
		Policies: len(s.opts.Policies()),
		Time:     time.Now().UTC(),
	}
	if s.opts.Verification != nil {
		resp.LastVerification = s.opts.Verification.LastReport()
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return decode(w, r, dst, false)
}

// decodeOptionalBody accepts an empty body, leaving dst untouched.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return decode(w, r, dst, true)
}

func decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: decoding body: %v", audit.ErrInvalidRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: body must hold a single JSON object", audit.ErrInvalidRequest)
	}
	return nil
}

// parseQuery maps query-string parameters onto an audit.Query. Range and
// enum checks are left to the QueryEngine.
func parseQuery(v url.Values) (audit.Query, error) {
	var q audit.Query
	f, err := parseFilter(v)
	if err != nil {
		return q, err
	}
	q.Filter = f

	if q.Page, err = parseInt(v, "page"); err != nil {
		return q, err
	}
	if q.PageSize, err = parseInt(v, "page_size"); err != nil {
		return q, err
	}
	if v.Has("offset") {
		off, err := parseInt(v, "offset")
		if err != nil {
			return q, err
		}
		q.Offset = &off
	}
	q.Sort = audit.SortField(v.Get("sort"))
	q.Order = audit.SortOrder(v.Get("order"))
	return q, nil
}

func parseFilter(v url.Values) (audit.Filter, error) {
	f := audit.Filter{
		TenantID:   v.Get("tenant_id"),
		UserID:     v.Get("user_id"),
		Username:   v.Get("username"),
		Action:     v.Get("action"),
		EntityType: v.Get("entity_type"),
		EntityID:   v.Get("entity_id"),
		Search:     v.Get("search"),
	}
	var err error
	if c := v.Get("category"); c != "" {
		if f.Category, err = audit.ParseCategory(c); err != nil {
			return f, err
		}
	}
	if sev := v.Get("severity"); sev != "" {
		if f.Severity, err = audit.ParseSeverity(sev); err != nil {
			return f, err
		}
	}
	if f.From, err = parseTime(v, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(v, "to"); err != nil {
		return f, err
	}
	return f, nil
}

func parseInt(v url.Values, key string) (int, error) {
	s := v.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", audit.ErrInvalidFilter, key)
	}
	return n, nil
}

func parseBool(v url.Values, key string) (bool, error) {
	s := v.Get(key)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", audit.ErrInvalidFilter, key)
	}
	return b, nil
}

func parseTime(v url.Values, key string) (time.Time, error) {
	s := v.Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", audit.ErrInvalidFilter, key)
	}
	return t.UTC(), nil
}
