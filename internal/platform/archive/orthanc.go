package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize = 500
	maxErrorBody    = 512
)

// Config configures the REST client.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	Timeout   time.Duration
	RateLimit float64 // requests per second, <= 0 for unlimited
	PageSize  int
}

// Client talks to an Orthanc-compatible archive over its REST API.
type Client struct {
	baseURL  string
	username string
	password string
	pageSize int
	http     *http.Client
	limiter  *rate.Limiter
	observe  func(op string, status int, d time.Duration)
	logger   zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		pageSize: pageSize,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With().Str("component", "archive").Logger(),
	}
}

// OnRequest installs a hook called after every archive round trip. status is
// 0 when the request never got a response.
func (c *Client) OnRequest(fn func(op string, status int, d time.Duration)) {
	c.observe = fn
}

// BaseURL returns the archive root the client was configured with.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("archive %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("archive %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if c.observe != nil {
			c.observe(op, 0, time.Since(start))
		}
		return &ConnectivityError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if c.observe != nil {
		c.observe(op, resp.StatusCode, time.Since(start))
	}

	c.logger.Debug().
		Str("op", op).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("archive request")

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ConnectivityError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ConnectivityError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// orthancStudy is the expanded study resource.
type orthancStudy struct {
	ID                   string            `json:"ID"`
	ParentPatient        string            `json:"ParentPatient"`
	MainDicomTags        map[string]string `json:"MainDicomTags"`
	PatientMainDicomTags map[string]string `json:"PatientMainDicomTags"`
	RequestedTags        map[string]string `json:"RequestedTags"`
	Series               []string          `json:"Series"`
}

type orthancPatient struct {
	ID            string            `json:"ID"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
	Studies       []string          `json:"Studies"`
}

type findRequest struct {
	Level         string            `json:"Level"`
	Query         map[string]string `json:"Query"`
	Expand        bool              `json:"Expand"`
	RequestedTags []string          `json:"RequestedTags,omitempty"`
}

// keyword returns the DICOM keyword the archive uses as a JSON key.
func keyword(t tag.Tag) string {
	return tag.MustFind(t).Name
}

var (
	kwStudyInstanceUID  = keyword(tag.StudyInstanceUID)
	kwStudyDate         = keyword(tag.StudyDate)
	kwStudyTime         = keyword(tag.StudyTime)
	kwStudyDescription  = keyword(tag.StudyDescription)
	kwAccessionNumber   = keyword(tag.AccessionNumber)
	kwModalitiesInStudy = keyword(tag.ModalitiesInStudy)
	kwInstitutionName   = keyword(tag.InstitutionName)
	kwPatientID         = keyword(tag.PatientID)
	kwPatientName       = keyword(tag.PatientName)
	kwPatientBirthDate  = keyword(tag.PatientBirthDate)
	kwPatientSex        = keyword(tag.PatientSex)
)

func (o orthancStudy) toStudy() Study {
	main := o.MainDicomTags
	pat := o.PatientMainDicomTags

	modalities := main[kwModalitiesInStudy]
	if modalities == "" {
		modalities = o.RequestedTags[kwModalitiesInStudy]
	}

	return Study{
		StudyReference:   main[kwStudyInstanceUID],
		ArchiveID:        o.ID,
		PatientArchiveID: pat[kwPatientID],
		PatientName:      pat[kwPatientName],
		PatientBirthDate: pat[kwPatientBirthDate],
		PatientSex:       pat[kwPatientSex],
		AccessionNumber:  main[kwAccessionNumber],
		StudyDate:        main[kwStudyDate],
		StudyTime:        main[kwStudyTime],
		StudyDescription: main[kwStudyDescription],
		Modalities:       splitMultiValue(modalities),
		InstitutionName:  main[kwInstitutionName],
		SeriesCount:      len(o.Series),
	}
}

// splitMultiValue splits a DICOM multi-valued string on backslashes.
func splitMultiValue(v string) []string {
	var out []string
	for _, s := range strings.Split(v, `\`) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toStudies(in []orthancStudy) []Study {
	out := make([]Study, 0, len(in))
	for _, o := range in {
		out = append(out, o.toStudy())
	}
	return out
}

// ListStudies pages through every study in the archive.
func (c *Client) ListStudies(ctx context.Context) ([]Study, error) {
	var all []Study
	for since := 0; ; since += c.pageSize {
		q := url.Values{}
		q.Set("expand", "")
		q.Set("since", strconv.Itoa(since))
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("requestedTags", kwModalitiesInStudy)

		var page []orthancStudy
		if err := c.do(ctx, "list studies", http.MethodGet, "/studies?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		all = append(all, toStudies(page)...)
		if len(page) < c.pageSize {
			return all, nil
		}
	}
}

func (c *Client) ListPatients(ctx context.Context) ([]Patient, error) {
	var raw []orthancPatient
	if err := c.do(ctx, "list patients", http.MethodGet, "/patients?expand", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Patient, 0, len(raw))
	for _, p := range raw {
		out = append(out, Patient{
			ArchiveID: p.ID,
			PatientID: p.MainDicomTags[kwPatientID],
			Name:      p.MainDicomTags[kwPatientName],
			BirthDate: p.MainDicomTags[kwPatientBirthDate],
			Sex:       p.MainDicomTags[kwPatientSex],
			StudyIDs:  p.Studies,
		})
	}
	return out, nil
}

func (c *Client) findStudies(ctx context.Context, op string, query map[string]string) ([]Study, error) {
	req := findRequest{
		Level:         "Study",
		Query:         query,
		Expand:        true,
		RequestedTags: []string{kwModalitiesInStudy},
	}
	var raw []orthancStudy
	if err := c.do(ctx, op, http.MethodPost, "/tools/find", req, &raw); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ConnectivityError{Op: op, StatusCode: http.StatusNotFound, Err: err}
		}
		return nil, err
	}
	return toStudies(raw), nil
}

func (c *Client) FindStudiesByAccessionNumber(ctx context.Context, accession string) ([]Study, error) {
	return c.findStudies(ctx, "find by accession", map[string]string{kwAccessionNumber: accession})
}

func (c *Client) FindStudiesByPatientID(ctx context.Context, patientID string) ([]Study, error) {
	return c.findStudies(ctx, "find by patient id", map[string]string{kwPatientID: patientID})
}

// GetStudy looks a study up by its StudyInstanceUID.
func (c *Client) GetStudy(ctx context.Context, studyReference string) (*Study, error) {
	studies, err := c.findStudies(ctx, "get study", map[string]string{kwStudyInstanceUID: studyReference})
	if err != nil {
		return nil, err
	}
	for i := range studies {
		if studies[i].StudyReference == studyReference {
			return &studies[i], nil
		}
	}
	return nil, ErrNotFound
}

func (c *Client) TestConnection(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.do(ctx, "system", http.MethodGet, "/system", nil, &info); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ConnectivityError{Op: "system", StatusCode: http.StatusNotFound, Err: err}
		}
		return nil, err
	}
	return &info, nil
}

var _ Archive = (*Client)(nil)
