package dataquery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

const (
	statementsPath         = "/api/v2/statements"
	defaultStatementWait   = 60 * time.Second
	defaultPollInterval    = 250 * time.Millisecond
	maxStatementErrorBytes = 2 << 10
)

// SQLAPIConfig configures a SQLAPIExecutor.
type SQLAPIConfig struct {
	BaseURL      string
	Token        string
	Warehouse    string
	Role         string
	Database     string
	Schema       string
	Timeout      time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// SQLAPIExecutor submits statements to the warehouse SQL REST API.
type SQLAPIExecutor struct {
	cfg    SQLAPIConfig
	base   string
	client *http.Client
	logger *slog.Logger
}

type statementRequest struct {
	Statement string             `json:"statement"`
	Timeout   int                `json:"timeout"`
	Warehouse string             `json:"warehouse,omitempty"`
	Role      string             `json:"role,omitempty"`
	Database  string             `json:"database,omitempty"`
	Schema    string             `json:"schema,omitempty"`
	Bindings  map[string]binding `json:"bindings,omitempty"`
}

type binding struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type statementResponse struct {
	Code               string `json:"code"`
	Message            string `json:"message"`
	StatementHandle    string `json:"statementHandle"`
	StatementStatusURL string `json:"statementStatusUrl"`
	ResultSetMetaData  struct {
		RowType []struct {
			Name string `json:"name"`
		} `json:"rowType"`
		PartitionInfo []struct {
			RowCount int `json:"rowCount"`
		} `json:"partitionInfo"`
	} `json:"resultSetMetaData"`
	Data [][]any `json:"data"`
}

// NewSQLAPIExecutor validates cfg and builds an executor.
func NewSQLAPIExecutor(cfg SQLAPIConfig) (*SQLAPIExecutor, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: data query base url is required", domain.ErrConfigInvalid)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStatementWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLAPIExecutor{cfg: cfg, base: base, client: client, logger: logger}, nil
}

// Query implements Executor.
func (e *SQLAPIExecutor) Query(ctx context.Context, statement string, args ...string) (*domain.Table, error) {
	table, err := e.query(ctx, statement, args)
	if err != nil {
		return nil, &domain.DataQueryError{Statement: statement, Err: err}
	}
	return table, nil
}

func (e *SQLAPIExecutor) query(ctx context.Context, statement string, args []string) (*domain.Table, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req := statementRequest{
		Statement: statement,
		Timeout:   int(e.cfg.Timeout / time.Second),
		Warehouse: e.cfg.Warehouse,
		Role:      e.cfg.Role,
		Database:  e.cfg.Database,
		Schema:    e.cfg.Schema,
	}
	if len(args) > 0 {
		req.Bindings = make(map[string]binding, len(args))
		for i, arg := range args {
			req.Bindings[strconv.Itoa(i+1)] = binding{Type: "TEXT", Value: arg}
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode statement: %w", err)
	}

	resp, status, err := e.do(ctx, http.MethodPost, e.base+statementsPath, body)
	if err != nil {
		return nil, err
	}
	for status == http.StatusAccepted {
		if resp.StatementHandle == "" {
			return nil, fmt.Errorf("statement accepted without a handle")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
		resp, status, err = e.do(ctx, http.MethodGet, e.statusURL(resp), nil)
		if err != nil {
			return nil, err
		}
	}

	table := &domain.Table{Columns: make([]string, 0, len(resp.ResultSetMetaData.RowType))}
	for _, col := range resp.ResultSetMetaData.RowType {
		table.Columns = append(table.Columns, col.Name)
	}
	table.Rows = appendRows(table.Rows, resp.Data)

	for partition := 1; partition < len(resp.ResultSetMetaData.PartitionInfo); partition++ {
		next, _, err := e.do(ctx, http.MethodGet, e.partitionURL(resp.StatementHandle, partition), nil)
		if err != nil {
			return nil, fmt.Errorf("fetch partition %d: %w", partition, err)
		}
		table.Rows = appendRows(table.Rows, next.Data)
	}

	e.logger.Debug("statement executed", "columns", len(table.Columns), "rows", len(table.Rows))
	return table, nil
}

func (e *SQLAPIExecutor) statusURL(resp statementResponse) string {
	if resp.StatementStatusURL != "" {
		if strings.HasPrefix(resp.StatementStatusURL, "http") {
			return resp.StatementStatusURL
		}
		return e.base + resp.StatementStatusURL
	}
	return e.base + statementsPath + "/" + url.PathEscape(resp.StatementHandle)
}

func (e *SQLAPIExecutor) partitionURL(handle string, partition int) string {
	return e.base + statementsPath + "/" + url.PathEscape(handle) + "?partition=" + strconv.Itoa(partition)
}

func (e *SQLAPIExecutor) do(ctx context.Context, method, target string, body []byte) (statementResponse, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return statementResponse{}, 0, fmt.Errorf("build statement request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return statementResponse{}, 0, fmt.Errorf("statement request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			e.logger.Warn("failed to close statement response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxStatementErrorBytes))
		var failure statementResponse
		if json.Unmarshal(snippet, &failure) == nil && failure.Message != "" {
			return statementResponse{}, resp.StatusCode, fmt.Errorf("statement failed with status %d: %s", resp.StatusCode, failure.Message)
		}
		return statementResponse{}, resp.StatusCode, fmt.Errorf("statement failed with status %d", resp.StatusCode)
	}

	var decoded statementResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return statementResponse{}, resp.StatusCode, fmt.Errorf("decode statement response: %w", err)
	}
	return decoded, resp.StatusCode, nil
}

func appendRows(rows [][]string, data [][]any) [][]string {
	for _, raw := range data {
		row := make([]string, len(raw))
		for i, cell := range raw {
			switch v := cell.(type) {
			case nil:
			case string:
				row[i] = v
			default:
				row[i] = fmt.Sprint(v)
			}
		}
		rows = append(rows, row)
	}
	return rows
}
