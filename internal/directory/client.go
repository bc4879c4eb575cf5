package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"classattend/internal/classkey"
)

// Client calls the identity directory service that owns person/profile
// records, biometric templates and rosters. With Skip set it serves fixed
// dev fixtures instead of making requests.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with a short timeout; per-claim deadlines are
// applied by callers through the request context.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// LookupTemplate returns the stored biometric embedding for a student.
// An enrolled student with no template yields an empty slice, which the
// pipeline rejects as TemplateNotRegistered.
func (c *Client) LookupTemplate(ctx context.Context, studentID string) ([]float64, error) {
	if c.Skip {
		return []float64{0.1, 0.2, 0.3}, nil
	}
	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := c.getJSON(ctx, "/v1/students/"+url.PathEscape(studentID)+"/template", &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

// LookupClassKey returns the class a student belongs to.
func (c *Client) LookupClassKey(ctx context.Context, studentID string) (classkey.Key, error) {
	if c.Skip {
		return classkey.Key{Department: "CS", Year: 2, Section: "A"}, nil
	}
	var out classkey.Key
	if err := c.getJSON(ctx, "/v1/students/"+url.PathEscape(studentID)+"/class", &out); err != nil {
		return classkey.Key{}, err
	}
	return out, nil
}

// ListRoster returns the student ids enrolled under the class key.
// Wildcard-section keys return the union across sections.
func (c *Client) ListRoster(ctx context.Context, key classkey.Key) ([]string, error) {
	if c.Skip {
		return []string{"student-1", "student-2", "student-3"}, nil
	}
	q := url.Values{}
	q.Set("department", key.Department)
	q.Set("year", strconv.Itoa(key.Year))
	if key.Section != "" {
		q.Set("section", key.Section)
	}
	var out struct {
		Students []string `json:"students"`
	}
	if err := c.getJSON(ctx, "/v1/rosters?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Students, nil
}

// IsAdvisor reports whether the staff actor is faculty advisor of the class.
func (c *Client) IsAdvisor(ctx context.Context, staffID string, key classkey.Key) (bool, error) {
	if c.Skip {
		return false, nil
	}
	q := url.Values{}
	q.Set("department", key.Department)
	q.Set("year", strconv.Itoa(key.Year))
	if key.Section != "" {
		q.Set("section", key.Section)
	}
	var out struct {
		Advisor bool `json:"advisor"`
	}
	path := "/v1/staff/" + url.PathEscape(staffID) + "/advises?" + q.Encode()
	if err := c.getJSON(ctx, path, &out); err != nil {
		return false, err
	}
	return out.Advisor, nil
}

// ListTemplates returns every registered template; used by the enrollment
// collision guard.
func (c *Client) ListTemplates(ctx context.Context) ([][]float64, error) {
	if c.Skip {
		return nil, nil
	}
	var out struct {
		Templates [][]float64 `json:"templates"`
	}
	if err := c.getJSON(ctx, "/v1/templates", &out); err != nil {
		return nil, err
	}
	return out.Templates, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("directory error %s: %s", resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
