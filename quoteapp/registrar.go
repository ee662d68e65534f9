// Package quoteapp attaches the insurance quote capabilities to a session:
// the quote widget resource and the get_quote tool.
package quoteapp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-quote-server/mcp"
	"github.com/ggoodman/mcp-quote-server/mcpservice"
	"github.com/ggoodman/mcp-quote-server/pricing"
	"github.com/ggoodman/mcp-quote-server/widget"
)

const (
	// ToolName is the name of the quote tool.
	ToolName = "get_quote"

	toolTitle       = "Get Insurance Quote"
	toolDescription = "Get workers compensation insurance quotes based on business details"

	attachKey = "quoteapp"
)

// ServerInfo identifies the quote server during initialize.
var ServerInfo = mcp.ImplementationInfo{Name: "quote-app", Version: "0.1.0"}

// QuoteArgs is the get_quote input contract.
type QuoteArgs struct {
	BusinessName      string  `json:"business_name" jsonschema_description:"Name of the business"`
	BusinessOwner     string  `json:"business_owner" jsonschema_description:"Name of the business owner"`
	BusinessAddress   string  `json:"business_address" jsonschema_description:"Address of the business"`
	BusinessIndustry  string  `json:"business_industry" jsonschema_description:"Industry of the business"`
	NumberOfEmployees float64 `json:"number_of_employees" jsonschema:"minimum=0,maximum=10000000" jsonschema_description:"Number of employees"`
	TotalPayroll      float64 `json:"total_payroll" jsonschema:"minimum=0,maximum=1000000000000" jsonschema_description:"Total annual payroll"`
	State             string  `json:"state" jsonschema_description:"State code (e.g. CA, NY)"`
	ZipCode           string  `json:"zip_code" jsonschema_description:"Zip code"`
	EmailAddress      string  `json:"email_address" jsonschema:"format=email" jsonschema_description:"Email address"`
}

// Profile converts validated arguments into a pricing profile.
func (a QuoteArgs) Profile() pricing.Profile {
	return pricing.Profile{
		Name:      a.BusinessName,
		Owner:     a.BusinessOwner,
		Address:   a.BusinessAddress,
		Industry:  a.BusinessIndustry,
		Employees: a.NumberOfEmployees,
		Payroll:   a.TotalPayroll,
		State:     a.State,
		Zip:       a.ZipCode,
		Email:     a.EmailAddress,
	}
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithConfirmationText controls whether tool results carry a human-readable
// text block next to the structured quotes. Enabled by default.
func WithConfirmationText(enabled bool) Option {
	return func(r *Registrar) { r.confirmation = enabled }
}

// WithLogger sets the logger for quote diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registrar) {
		if l != nil {
			r.log = l
		}
	}
}

// Registrar attaches the quote capabilities to session servers.
type Registrar struct {
	store        widget.Store
	confirmation bool
	log          *slog.Logger
}

// NewRegistrar returns a Registrar serving the widget from store.
func NewRegistrar(store widget.Store, opts ...Option) *Registrar {
	r := &Registrar{
		store:        store,
		confirmation: true,
		log:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach registers the widget resource and the get_quote tool on srv. A
// second call on the same server is a no-op.
func (r *Registrar) Attach(ctx context.Context, srv *mcpservice.Server) error {
	if !srv.MarkAttached(attachKey) {
		r.log.DebugContext(ctx, "quoteapp.attach.skip")
		return nil
	}

	if err := srv.Resources().Add(r.widgetResource()); err != nil {
		return fmt.Errorf("attach widget resource: %w", err)
	}

	tool, err := r.quoteTool()
	if err != nil {
		return err
	}
	if err := srv.Tools().Add(tool); err != nil {
		return fmt.Errorf("attach %s tool: %w", ToolName, err)
	}
	return nil
}

func (r *Registrar) widgetResource() mcpservice.StaticResource {
	return mcpservice.StaticResource{
		Descriptor: mcp.Resource{
			URI:      widget.URI,
			Name:     widget.Name,
			MimeType: widget.MimeType,
		},
		Read: func(ctx context.Context) ([]mcp.ResourceContents, error) {
			c, err := r.store.Read(ctx)
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{{URI: c.URI, MimeType: c.MimeType, Text: c.Text}}, nil
		},
	}
}

func (r *Registrar) quoteTool() (mcpservice.StaticTool, error) {
	return mcpservice.NewTool(ToolName, r.handleQuote,
		mcpservice.WithToolTitle(toolTitle),
		mcpservice.WithToolDescription(toolDescription),
		mcpservice.WithToolAllowAdditionalProperties(true),
		mcpservice.WithToolMeta("ui", map[string]any{"resourceUri": widget.URI}),
		mcpservice.WithToolMeta("ui/resourceUri", widget.URI),
	)
}

func (r *Registrar) handleQuote(ctx context.Context, args QuoteArgs) (*mcp.CallToolResult, error) {
	profile := args.Profile()
	if err := profile.Validate(); err != nil {
		return nil, mcpservice.InvalidParams("Invalid arguments for tool %s: %v", ToolName, err)
	}
	quotes := pricing.ComputeQuotes(profile)

	res := &mcp.CallToolResult{
		Content:           []mcp.ContentBlock{},
		StructuredContent: map[string]any{"quotes": quotes},
	}
	if r.confirmation {
		res.Content = append(res.Content, mcp.ContentBlock{
			Type: "text",
			Text: fmt.Sprintf("Generated %d quotes for %s", len(quotes), args.BusinessName),
		})
	}

	r.log.DebugContext(ctx, "quoteapp.quote.ok", slog.Float64("base_premium", pricing.BasePremium(profile)))
	return res, nil
}
