// internal/common/hubspot/crm.go
package hubspot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	httpclient "gtm-agents/internal/common/http"
	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/common/metrics"
	"gtm-agents/internal/common/resilience"
)

const (
	capability = "crm"

	// maxNotes bounds how many notes are pulled per deal.
	maxNotes = 10
	// fetchConcurrency bounds parallel association lookups.
	fetchConcurrency = 8
)

var (
	ErrCRMUnavailable   = errors.New("CRM_UNAVAILABLE")
	ErrCRMRequestFailed = errors.New("CRM_REQUEST_FAILED")
	ErrCRMTimeout       = errors.New("CRM_TIMEOUT")
	ErrApprovalRequired = errors.New("APPROVAL_REQUIRED")
)

// Reader is the read side of the CRM capability used by agents.
type Reader interface {
	ClosedWonDeals(ctx context.Context, since time.Time, limit int) ([]Deal, error)
	DealDetails(ctx context.Context, dealID string) (*DealDetails, error)
	PipelineDeals(ctx context.Context, limit int) ([]Deal, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Company struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Industry  string  `json:"industry,omitempty"`
	Employees int     `json:"employees,omitempty"`
	Revenue   float64 `json:"annual_revenue,omitempty"`
	Country   string  `json:"country,omitempty"`
}

type Deal struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Amount        float64  `json:"amount"`
	Stage         string   `json:"stage"`
	Pipeline      string   `json:"pipeline,omitempty"`
	CloseDate     string   `json:"close_date,omitempty"`
	CreateDate    string   `json:"create_date,omitempty"`
	LastModified  string   `json:"last_modified,omitempty"`
	LastContacted string   `json:"last_contacted,omitempty"`
	ContactCount  int      `json:"contact_count"`
	Company       *Company `json:"company,omitempty"`
}

type Contact struct {
	ID         string `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email,omitempty"`
	JobTitle   string `json:"job_title,omitempty"`
	LeadStatus string `json:"lead_status,omitempty"`
}

type Note struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp,omitempty"`
}

type DealDetails struct {
	Deal     Deal      `json:"deal"`
	Contacts []Contact `json:"contacts"`
	Notes    []Note    `json:"notes"`
}

// Approval names the human who signed off a CRM write.
type Approval struct {
	ApprovedBy string
	Reason     string
}

type Client struct {
	config *Config
	http   *httpclient.Client
	logger logger.Logger
}

func NewClient(config *Config, breaker *resilience.Breaker, log logger.Logger) *Client {
	return &Client{
		config: config,
		http:   httpclient.NewClient(config.Timeout, breaker),
		logger: log.With(map[string]interface{}{
			"capability": capability,
		}),
	}
}

func (c *Client) Available() bool {
	return c.config.APIKey != "" && c.config.BaseURL != ""
}

// ==========================
// Wire types
// ==========================

type object struct {
	ID           string                 `json:"id"`
	Properties   map[string]string      `json:"properties"`
	Associations map[string]association `json:"associations"`
}

type association struct {
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}

func (o object) associated(kind string) []string {
	a, ok := o.Associations[kind]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(a.Results))
	for _, r := range a.Results {
		ids = append(ids, r.ID)
	}
	return ids
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchRequest struct {
	FilterGroups []map[string][]filter `json:"filterGroups"`
	Properties   []string              `json:"properties"`
	Associations []string              `json:"associations,omitempty"`
	Limit        int                   `json:"limit"`
}

var dealProperties = []string{
	"dealname", "amount", "dealstage", "pipeline", "closedate", "createdate",
	"hs_lastmodifieddate", "notes_last_contacted", "hs_deal_stage_probability",
}

// ==========================
// Reads
// ==========================

// ClosedWonDeals returns closed-won deals closed on or after since, each with its primary company.
func (c *Client) ClosedWonDeals(ctx context.Context, since time.Time, limit int) ([]Deal, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	req := searchRequest{
		FilterGroups: []map[string][]filter{{"filters": {
			{PropertyName: "dealstage", Operator: "EQ", Value: "closedwon"},
			{PropertyName: "closedate", Operator: "GTE", Value: strconv.FormatInt(since.UnixMilli(), 10)},
		}}},
		Properties:   dealProperties,
		Associations: []string{"companies"},
		Limit:        limit,
	}

	objects, err := c.search(ctx, "closed_won_deals", req)
	if err != nil {
		return nil, err
	}

	deals := make([]Deal, len(objects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, obj := range objects {
		deals[i] = toDeal(obj)
		companies := obj.associated("companies")
		if len(companies) == 0 {
			continue
		}
		i, companyID := i, companies[0]
		g.Go(func() error {
			company, err := c.company(gctx, companyID)
			if err != nil {
				c.logger.Warn("company lookup failed", map[string]interface{}{
					"companyId": companyID,
					"error":     err.Error(),
				})
				return nil
			}
			deals[i].Company = company
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("closed-won deals fetched", map[string]interface{}{
		"count": len(deals),
		"since": since.Format("2006-01-02"),
	})
	return deals, nil
}

// DealDetails returns a deal with its contacts and most recent notes.
func (c *Client) DealDetails(ctx context.Context, dealID string) (*DealDetails, error) {
	path := fmt.Sprintf("/crm/v3/objects/deals/%s?properties=%s&associations=contacts,notes",
		dealID, strings.Join(dealProperties, ","))

	var obj object
	if err := c.do(ctx, "deal_details", http.MethodGet, path, nil, &obj); err != nil {
		return nil, err
	}

	details := &DealDetails{Deal: toDeal(obj), Contacts: []Contact{}, Notes: []Note{}}

	contactIDs := obj.associated("contacts")
	noteIDs := obj.associated("notes")
	if len(noteIDs) > maxNotes {
		noteIDs = noteIDs[:maxNotes]
	}

	var mu sync.Mutex
	contacts := make([]*Contact, len(contactIDs))
	notes := make([]*Note, len(noteIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range contactIDs {
		i, id := i, id
		g.Go(func() error {
			var o object
			path := fmt.Sprintf("/crm/v3/objects/contacts/%s?properties=firstname,lastname,email,jobtitle,hs_lead_status", id)
			if err := c.do(gctx, "contact", http.MethodGet, path, nil, &o); err != nil {
				c.logger.Warn("contact lookup failed", map[string]interface{}{"contactId": id, "error": err.Error()})
				return nil
			}
			mu.Lock()
			contacts[i] = &Contact{
				ID:         o.ID,
				FirstName:  o.Properties["firstname"],
				LastName:   o.Properties["lastname"],
				Email:      o.Properties["email"],
				JobTitle:   o.Properties["jobtitle"],
				LeadStatus: o.Properties["hs_lead_status"],
			}
			mu.Unlock()
			return nil
		})
	}
	for i, id := range noteIDs {
		i, id := i, id
		g.Go(func() error {
			var o object
			path := fmt.Sprintf("/crm/v3/objects/notes/%s?properties=hs_note_body,hs_timestamp", id)
			if err := c.do(gctx, "note", http.MethodGet, path, nil, &o); err != nil {
				c.logger.Warn("note lookup failed", map[string]interface{}{"noteId": id, "error": err.Error()})
				return nil
			}
			mu.Lock()
			notes[i] = &Note{ID: o.ID, Body: o.Properties["hs_note_body"], Timestamp: o.Properties["hs_timestamp"]}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, ct := range contacts {
		if ct != nil {
			details.Contacts = append(details.Contacts, *ct)
		}
	}
	for _, n := range notes {
		if n != nil {
			details.Notes = append(details.Notes, *n)
		}
	}
	details.Deal.ContactCount = len(details.Contacts)
	return details, nil
}

// PipelineDeals returns open deals, excluding closed stages.
func (c *Client) PipelineDeals(ctx context.Context, limit int) ([]Deal, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	req := searchRequest{
		FilterGroups: []map[string][]filter{{"filters": {
			{PropertyName: "dealstage", Operator: "NEQ", Value: "closedwon"},
			{PropertyName: "dealstage", Operator: "NEQ", Value: "closedlost"},
		}}},
		Properties:   dealProperties,
		Associations: []string{"contacts"},
		Limit:        limit,
	}

	objects, err := c.search(ctx, "pipeline_deals", req)
	if err != nil {
		return nil, err
	}
	deals := make([]Deal, 0, len(objects))
	for _, obj := range objects {
		deals = append(deals, toDeal(obj))
	}
	return deals, nil
}

// ==========================
// Writes
// ==========================

// UpdateDeal patches deal properties. It refuses to run without a named approver.
func (c *Client) UpdateDeal(ctx context.Context, dealID string, properties map[string]string, approval Approval) error {
	if strings.TrimSpace(approval.ApprovedBy) == "" {
		return ErrApprovalRequired
	}
	if len(properties) == 0 {
		return nil
	}

	c.logger.Info("applying approved deal update", map[string]interface{}{
		"dealId":     dealID,
		"approvedBy": approval.ApprovedBy,
		"reason":     approval.Reason,
		"properties": len(properties),
	})

	body := map[string]interface{}{"properties": properties}
	return c.do(ctx, "update_deal", http.MethodPatch, "/crm/v3/objects/deals/"+dealID, body, nil)
}

// ==========================
// Helpers
// ==========================

func (c *Client) search(ctx context.Context, op string, req searchRequest) ([]object, error) {
	var resp struct {
		Results []object `json:"results"`
	}
	if err := c.do(ctx, op, http.MethodPost, "/crm/v3/objects/deals/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) company(ctx context.Context, id string) (*Company, error) {
	var o object
	path := fmt.Sprintf("/crm/v3/objects/companies/%s?properties=name,industry,numberofemployees,annualrevenue,country", id)
	if err := c.do(ctx, "company", http.MethodGet, path, nil, &o); err != nil {
		return nil, err
	}
	return &Company{
		ID:        o.ID,
		Name:      o.Properties["name"],
		Industry:  o.Properties["industry"],
		Employees: int(parseFloat(o.Properties["numberofemployees"])),
		Revenue:   parseFloat(o.Properties["annualrevenue"]),
		Country:   o.Properties["country"],
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	if !c.Available() {
		metrics.CapabilityCalls.WithLabelValues(capability, "unavailable").Inc()
		return ErrCRMUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	headers := map[string]string{"Authorization": "Bearer " + c.config.APIKey}
	url := strings.TrimRight(c.config.BaseURL, "/") + path

	err := c.http.DoJSON(ctx, method, url, headers, body, out)
	switch {
	case err == nil:
		metrics.CapabilityCalls.WithLabelValues(capability, "ok").Inc()
		return nil
	case httpclient.IsTimeout(ctx, err):
		metrics.CapabilityCalls.WithLabelValues(capability, "timeout").Inc()
		return fmt.Errorf("%w: %s: %v", ErrCRMTimeout, op, err)
	default:
		metrics.CapabilityCalls.WithLabelValues(capability, "error").Inc()
		return fmt.Errorf("%w: %s: %v", ErrCRMRequestFailed, op, err)
	}
}

func toDeal(o object) Deal {
	return Deal{
		ID:            o.ID,
		Name:          o.Properties["dealname"],
		Amount:        parseFloat(o.Properties["amount"]),
		Stage:         o.Properties["dealstage"],
		Pipeline:      o.Properties["pipeline"],
		CloseDate:     o.Properties["closedate"],
		CreateDate:    o.Properties["createdate"],
		LastModified:  o.Properties["hs_lastmodifieddate"],
		LastContacted: o.Properties["notes_last_contacted"],
		ContactCount:  len(o.associated("contacts")),
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
