// Package gforms creates order forms with Google Forms, keeps responses in a
// Google Sheet and reads them back for the tally.
package gforms

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"lunchrun/app/core/orchestrator/conversation"
	"lunchrun/app/core/orchestrator/handlers"
	"lunchrun/app/pkg/logger"

	"go.uber.org/zap"
	"google.golang.org/api/forms/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Questions are the item titles of a generated form. The tally reads the
// sheet columns with the same names.
type Questions struct {
	Name   string
	Email  string
	Choice string
	Notes  string
}

type Client struct {
	forms     *forms.Service
	sheets    *sheets.Service
	questions Questions
}

// New builds both API services from opts, usually option.WithCredentialsFile.
func New(ctx context.Context, questions Questions, opts ...option.ClientOption) (*Client, error) {
	formsSvc, err := forms.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("forms service: %w", err)
	}
	sheetsSvc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return &Client{forms: formsSvc, sheets: sheetsSvc, questions: questions}, nil
}

// Create makes the response sheet, then the form. The returned primary URL is
// the form's responder link and the secondary URL is the sheet.
func (c *Client) Create(ctx context.Context, req handlers.ArtifactRequest) (conversation.ArtifactRefs, error) {
	sheet, err := c.sheets.Spreadsheets.Create(&sheets.Spreadsheet{
		Properties: &sheets.SpreadsheetProperties{Title: req.Title + " - responses"},
	}).Context(ctx).Do()
	if err != nil {
		return conversation.ArtifactRefs{}, fmt.Errorf("create sheet: %w", err)
	}
	sheetURL := sheet.SpreadsheetUrl
	if sheetURL == "" {
		sheetURL = "https://docs.google.com/spreadsheets/d/" + sheet.SpreadsheetId
	}

	form, err := c.forms.Forms.Create(&forms.Form{
		Info: &forms.Info{Title: req.Title, DocumentTitle: req.Title},
	}).Context(ctx).Do()
	if err != nil {
		return conversation.ArtifactRefs{}, fmt.Errorf("create form: %w", err)
	}
	formURL := form.ResponderUri
	if formURL == "" {
		formURL = "https://docs.google.com/forms/d/" + form.FormId + "/viewform"
	}

	if _, err := c.forms.Forms.BatchUpdate(form.FormId, &forms.BatchUpdateFormRequest{
		Requests: c.layout(req),
	}).Context(ctx).Do(); err != nil {
		return conversation.ArtifactRefs{}, fmt.Errorf("lay out form %s: %w", form.FormId, err)
	}

	logger.L().Info("[GForms] order form created",
		zap.String("form_id", form.FormId),
		zap.String("sheet_id", sheet.SpreadsheetId))
	return conversation.ArtifactRefs{PrimaryURL: formURL, SecondaryURL: sheetURL}, nil
}

func (c *Client) layout(req handlers.ArtifactRequest) []*forms.Request {
	options := make([]*forms.Option, 0, len(req.Options))
	for _, opt := range req.Options {
		if opt = strings.TrimSpace(opt); opt != "" {
			options = append(options, &forms.Option{Value: opt})
		}
	}

	items := []*forms.Item{
		textItem(c.questions.Name, true, false),
		textItem(c.questions.Email, false, false),
	}
	if len(options) > 0 {
		items = append(items, &forms.Item{
			Title: c.questions.Choice,
			QuestionItem: &forms.QuestionItem{Question: &forms.Question{
				Required:       true,
				ChoiceQuestion: &forms.ChoiceQuestion{Type: "RADIO", Options: options},
			}},
		})
	} else {
		items = append(items, textItem(c.questions.Choice, true, false))
	}
	items = append(items, textItem(c.questions.Notes, false, true))

	requests := []*forms.Request{{
		UpdateFormInfo: &forms.UpdateFormInfoRequest{
			Info:       &forms.Info{Description: req.Description},
			UpdateMask: "description",
		},
	}}
	for i, item := range items {
		requests = append(requests, &forms.Request{CreateItem: &forms.CreateItemRequest{
			Item:     item,
			Location: &forms.Location{Index: int64(i), ForceSendFields: []string{"Index"}},
		}})
	}
	return requests
}

func textItem(title string, required, paragraph bool) *forms.Item {
	return &forms.Item{
		Title: title,
		QuestionItem: &forms.QuestionItem{Question: &forms.Question{
			Required:     required,
			TextQuestion: &forms.TextQuestion{Paragraph: paragraph},
		}},
	}
}

var spreadsheetIDPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

// SpreadsheetID accepts a sheet URL or a bare id.
func SpreadsheetID(sheetURL string) (string, error) {
	sheetURL = strings.TrimSpace(sheetURL)
	if m := spreadsheetIDPattern.FindStringSubmatch(sheetURL); m != nil {
		return m[1], nil
	}
	if sheetURL != "" && !strings.ContainsAny(sheetURL, "/:?") {
		return sheetURL, nil
	}
	return "", fmt.Errorf("not a spreadsheet url: %q", sheetURL)
}

// FetchResponses reads the first worksheet. The header row names the fields
// of every following record.
func (c *Client) FetchResponses(ctx context.Context, sheetURL string) ([]map[string]string, error) {
	id, err := SpreadsheetID(sheetURL)
	if err != nil {
		return nil, err
	}
	values, err := c.sheets.Spreadsheets.Values.Get(id, "A1:Z").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", id, err)
	}
	return Records(values.Values), nil
}

// Records converts raw sheet rows into header-keyed records. Blank rows are
// dropped and short rows are padded with empty strings.
func Records(rows [][]interface{}) []map[string]string {
	if len(rows) < 2 {
		return nil
	}
	header := make([]string, len(rows[0]))
	for i, cell := range rows[0] {
		header[i] = strings.TrimSpace(fmt.Sprint(cell))
	}

	out := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]string, len(header))
		blank := true
		for i, name := range header {
			if name == "" {
				continue
			}
			val := ""
			if i < len(row) && row[i] != nil {
				val = strings.TrimSpace(fmt.Sprint(row[i]))
			}
			if val != "" {
				blank = false
			}
			rec[name] = val
		}
		if !blank {
			out = append(out, rec)
		}
	}
	return out
}
