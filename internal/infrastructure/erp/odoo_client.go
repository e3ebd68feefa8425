// Package erp implements the ERP collaborator interfaces against an
// Odoo-style JSON-RPC endpoint. The engine is a client of the ERP: it reads
// a catalog snapshot through execute_kw and writes stock quantities at a
// dedicated scraping location, mirroring how supplier-reported availability
// is modeled as quants there.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/suppliersync/backend/internal/application/stocksync"
	"github.com/suppliersync/backend/internal/domain/reconcile"
	"github.com/suppliersync/backend/internal/domain/shared"
)

const tracerName = "github.com/suppliersync/backend/internal/infrastructure/erp"

// Config holds Odoo endpoint settings.
type Config struct {
	URL      string
	Database string
	Username string
	Password string
	// Timeout bounds each RPC round trip.
	Timeout time.Duration
	// RequestsPerSecond throttles RPC calls to keep the ERP responsive.
	RequestsPerSecond float64
	// ReadBatchSize caps how many records one read RPC requests.
	ReadBatchSize int
	// StockLocation names the stock location the engine reads and writes.
	StockLocation string
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.ReadBatchSize <= 0 {
		c.ReadBatchSize = 200
	}
}

// Client talks JSON-RPC to an Odoo server. It implements
// stocksync.CatalogReader and stocksync.StockWriter. Safe for concurrent
// use: independent stock batches may be applied in parallel.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	tracer     trace.Tracer
	logger     *zap.Logger

	mu         sync.Mutex
	uid        int64
	locationID int64
	// quantIDs maps product IDs to their quant record at the stock
	// location, captured during the catalog fetch so batch writes can
	// update in place instead of probing per item.
	quantIDs map[int64]int64
}

// compile-time interface checks
var (
	_ stocksync.CatalogReader = (*Client)(nil)
	_ stocksync.StockWriter   = (*Client)(nil)
)

// NewClient creates an Odoo client. Credentials are verified lazily on the
// first call.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" || cfg.Database == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("erp: url, database, username and password are required")
	}
	if cfg.StockLocation == "" {
		return nil, fmt.Errorf("erp: stock location is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		tracer:   otel.Tracer(tracerName),
		logger:   logger.Named("erp"),
		quantIDs: make(map[int64]int64),
	}, nil
}

// ---------------------------------------------------------------------------
// JSON-RPC plumbing
// ---------------------------------------------------------------------------

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

func (e *rpcError) Error() string {
	if e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, service, method string, args ...any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      time.Now().UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s.%s: %w", service, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calling %s.%s: unexpected status %d", service, method, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s.%s response: %w", service, method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return nil, fmt.Errorf("decoding %s.%s response: %w", service, method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("erp rejected %s.%s: %w", service, method, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// executeKw invokes a model method via the object service.
func (c *Client) executeKw(ctx context.Context, model, method string, args any, kwargs map[string]any) (json.RawMessage, error) {
	uid, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return c.call(ctx, "object", "execute_kw",
		c.cfg.Database, uid, c.cfg.Password, model, method, args, kwargs)
}

func (c *Client) ensureAuthenticated(ctx context.Context) (int64, error) {
	c.mu.Lock()
	uid := c.uid
	c.mu.Unlock()
	if uid != 0 {
		return uid, nil
	}

	result, err := c.call(ctx, "common", "authenticate",
		c.cfg.Database, c.cfg.Username, c.cfg.Password, map[string]any{})
	if err != nil {
		return 0, fmt.Errorf("authenticating: %w", err)
	}

	// Odoo answers false (not an error) on bad credentials.
	if err := json.Unmarshal(result, &uid); err != nil || uid == 0 {
		return 0, fmt.Errorf("authenticating: invalid credentials for %q", c.cfg.Username)
	}

	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
	c.logger.Info("authenticated against erp", zap.Int64("uid", uid))
	return uid, nil
}

// ---------------------------------------------------------------------------
// CatalogReader
// ---------------------------------------------------------------------------

// odooRecord tolerates Odoo's habit of encoding null as false and
// many-to-one fields as [id, name] pairs.
type odooRecord map[string]any

func (r odooRecord) id(field string) int64 {
	switch v := r[field].(type) {
	case float64:
		return int64(v)
	case []any:
		if len(v) > 0 {
			if f, ok := v[0].(float64); ok {
				return int64(f)
			}
		}
	}
	return 0
}

func (r odooRecord) str(field string) string {
	if s, ok := r[field].(string); ok {
		return s
	}
	return ""
}

func (r odooRecord) num(field string) float64 {
	if f, ok := r[field].(float64); ok {
		return f
	}
	return 0
}

func (c *Client) searchRead(ctx context.Context, model string, domain []any, fields []string) ([]odooRecord, error) {
	result, err := c.executeKw(ctx, model, "search_read",
		[]any{domain}, map[string]any{"fields": fields})
	if err != nil {
		return nil, err
	}
	var records []odooRecord
	if err := json.Unmarshal(result, &records); err != nil {
		return nil, fmt.Errorf("decoding %s records: %w", model, err)
	}
	return records, nil
}

// FetchCatalog materializes the per-run product snapshot: product rows,
// kit detection through bill-of-material templates, and the current stock
// flag derived from quants at the configured location.
func (c *Client) FetchCatalog(ctx context.Context, filter reconcile.CatalogFilter) ([]reconcile.ERPProduct, error) {
	ctx, span := c.tracer.Start(ctx, "erp.FetchCatalog")
	defer span.End()

	locationID, err := c.resolveLocation(ctx)
	if err != nil {
		return nil, err
	}

	domain := []any{[]any{"default_code", "!=", false}}
	if filter.SupplierName != "" {
		tmplIDs, err := c.supplierTemplates(ctx, filter.SupplierName)
		if err != nil {
			return nil, err
		}
		if len(tmplIDs) == 0 {
			c.logger.Warn("no products registered for supplier", zap.String("supplier", filter.SupplierName))
			return nil, nil
		}
		domain = append(domain, []any{"product_tmpl_id", "in", tmplIDs})
	}

	rows, err := c.searchRead(ctx, "product.product", domain,
		[]string{"id", "default_code", "type", "product_tmpl_id"})
	if err != nil {
		return nil, fmt.Errorf("reading products: %w", err)
	}

	templateIDs := make([]int64, 0, len(rows))
	productIDs := make([]int64, 0, len(rows))
	for _, row := range rows {
		templateIDs = append(templateIDs, row.id("product_tmpl_id"))
		productIDs = append(productIDs, row.id("id"))
	}

	kitTemplates, err := c.kitTemplates(ctx, templateIDs)
	if err != nil {
		return nil, err
	}
	flags, err := c.stockFlags(ctx, productIDs, locationID)
	if err != nil {
		return nil, err
	}

	catalog := make([]reconcile.ERPProduct, 0, len(rows))
	for _, row := range rows {
		id := row.id("id")
		flag, ok := flags[id]
		if !ok {
			// No quant at the location yet: the product was never
			// synced, treated as out of stock at the scraping location.
			flag = reconcile.FlagOutOfStock
		}
		catalog = append(catalog, reconcile.ERPProduct{
			ProductID:   id,
			DefaultCode: row.str("default_code"),
			IsKit:       kitTemplates[row.id("product_tmpl_id")],
			// Only storable products ('product') carry quants; 'consu'
			// and 'service' do not.
			IsStorable: row.str("type") == "product",
			StockFlag:  flag,
		})
	}

	span.SetAttributes(attribute.Int("erp.catalog_size", len(catalog)))
	c.logger.Info("catalog fetched",
		zap.String("supplier", filter.SupplierName),
		zap.Int("products", len(catalog)))
	return catalog, nil
}

func (c *Client) resolveLocation(ctx context.Context) (int64, error) {
	c.mu.Lock()
	cached := c.locationID
	c.mu.Unlock()
	if cached != 0 {
		return cached, nil
	}

	records, err := c.searchRead(ctx, "stock.location",
		[]any{[]any{"name", "=", c.cfg.StockLocation}},
		[]string{"id", "complete_name"})
	if err != nil {
		return 0, fmt.Errorf("resolving stock location: %w", err)
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("stock location %q: %w", c.cfg.StockLocation, shared.ErrNotFound)
	}

	id := records[0].id("id")
	c.mu.Lock()
	c.locationID = id
	c.mu.Unlock()
	return id, nil
}

// supplierTemplates returns the product templates sourced from the named
// supplier.
func (c *Client) supplierTemplates(ctx context.Context, supplier string) ([]int64, error) {
	records, err := c.searchRead(ctx, "product.supplierinfo",
		[]any{[]any{"partner_id.name", "=", supplier}},
		[]string{"product_tmpl_id"})
	if err != nil {
		return nil, fmt.Errorf("reading supplier info: %w", err)
	}

	seen := make(map[int64]bool, len(records))
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		if id := rec.id("product_tmpl_id"); id != 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// kitTemplates reports which templates carry a bill of materials. Queried
// in read batches to stay under the request-size limit.
func (c *Client) kitTemplates(ctx context.Context, templateIDs []int64) (map[int64]bool, error) {
	kits := make(map[int64]bool)
	for _, chunk := range chunkIDs(templateIDs, c.cfg.ReadBatchSize) {
		records, err := c.searchRead(ctx, "mrp.bom",
			[]any{[]any{"product_tmpl_id", "in", chunk}},
			[]string{"product_tmpl_id"})
		if err != nil {
			return nil, fmt.Errorf("detecting kits: %w", err)
		}
		for _, rec := range records {
			if id := rec.id("product_tmpl_id"); id != 0 {
				kits[id] = true
			}
		}
	}
	return kits, nil
}

// stockFlags derives the current tri-state flag per product from quants at
// the location, and caches quant IDs for the write path.
func (c *Client) stockFlags(ctx context.Context, productIDs []int64, locationID int64) (map[int64]reconcile.StockFlag, error) {
	flags := make(map[int64]reconcile.StockFlag, len(productIDs))
	for _, chunk := range chunkIDs(productIDs, c.cfg.ReadBatchSize) {
		records, err := c.searchRead(ctx, "stock.quant",
			[]any{
				[]any{"product_id", "in", chunk},
				[]any{"location_id", "=", locationID},
			},
			[]string{"id", "product_id", "quantity"})
		if err != nil {
			return nil, fmt.Errorf("reading quants: %w", err)
		}
		c.mu.Lock()
		for _, rec := range records {
			productID := rec.id("product_id")
			c.quantIDs[productID] = rec.id("id")
			if rec.num("quantity") > 0 {
				flags[productID] = reconcile.FlagInStock
			} else {
				flags[productID] = reconcile.FlagOutOfStock
			}
		}
		c.mu.Unlock()
	}
	return flags, nil
}

func chunkIDs(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// ---------------------------------------------------------------------------
// StockWriter
// ---------------------------------------------------------------------------

// flagQuantity maps a target flag onto the quant quantity written at the
// scraping location: 1 marks supplier-backed availability, 0 clears it.
func flagQuantity(flag reconcile.StockFlag) float64 {
	if flag == reconcile.FlagInStock {
		return 1
	}
	return 0
}

// ApplyStockBatch writes one batch of deltas as quant updates at the stock
// location. Existing quants are written grouped by target quantity (one
// write RPC per distinct value); products without a quant get one created.
// A failed group falls back to per-item writes so one bad record cannot
// sink its neighbours, and every item gets an outcome.
func (c *Client) ApplyStockBatch(ctx context.Context, batch []reconcile.StockDelta) ([]stocksync.WriteOutcome, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	ctx, span := c.tracer.Start(ctx, "erp.ApplyStockBatch",
		trace.WithAttributes(attribute.Int("erp.batch_size", len(batch))))
	defer span.End()

	locationID, err := c.resolveLocation(ctx)
	if err != nil {
		return nil, err
	}

	type target struct {
		delta   reconcile.StockDelta
		quantID int64
	}
	byQuantity := make(map[float64][]target)
	var toCreate []target

	c.mu.Lock()
	for _, d := range batch {
		qty := flagQuantity(d.TargetFlag)
		if quantID, ok := c.quantIDs[d.ProductID]; ok {
			byQuantity[qty] = append(byQuantity[qty], target{delta: d, quantID: quantID})
		} else {
			toCreate = append(toCreate, target{delta: d})
		}
	}
	c.mu.Unlock()

	outcomes := make(map[int64]stocksync.WriteOutcome, len(batch))

	for qty, targets := range byQuantity {
		quantIDs := make([]int64, len(targets))
		for i, t := range targets {
			quantIDs[i] = t.quantID
		}

		_, err := c.executeKw(ctx, "stock.quant", "write",
			[]any{quantIDs, map[string]any{"quantity": qty}}, nil)
		if err == nil {
			for _, t := range targets {
				outcomes[t.delta.ProductID] = stocksync.WriteOutcome{ProductID: t.delta.ProductID, OK: true}
			}
			continue
		}

		c.logger.Warn("grouped quant write failed, retrying per item",
			zap.Float64("quantity", qty),
			zap.Int("items", len(targets)),
			zap.Error(err))
		for _, t := range targets {
			_, itemErr := c.executeKw(ctx, "stock.quant", "write",
				[]any{[]int64{t.quantID}, map[string]any{"quantity": qty}}, nil)
			if itemErr != nil {
				outcomes[t.delta.ProductID] = stocksync.WriteOutcome{ProductID: t.delta.ProductID, Reason: itemErr.Error()}
			} else {
				outcomes[t.delta.ProductID] = stocksync.WriteOutcome{ProductID: t.delta.ProductID, OK: true}
			}
		}
	}

	for _, t := range toCreate {
		record := map[string]any{
			"product_id":  t.delta.ProductID,
			"location_id": locationID,
			"quantity":    flagQuantity(t.delta.TargetFlag),
		}
		result, err := c.executeKw(ctx, "stock.quant", "create", []any{record}, nil)
		if err != nil {
			outcomes[t.delta.ProductID] = stocksync.WriteOutcome{ProductID: t.delta.ProductID, Reason: err.Error()}
			continue
		}
		var createdID int64
		if err := json.Unmarshal(result, &createdID); err == nil && createdID != 0 {
			c.mu.Lock()
			c.quantIDs[t.delta.ProductID] = createdID
			c.mu.Unlock()
		}
		outcomes[t.delta.ProductID] = stocksync.WriteOutcome{ProductID: t.delta.ProductID, OK: true}
	}

	out := make([]stocksync.WriteOutcome, 0, len(batch))
	for _, d := range batch {
		out = append(out, outcomes[d.ProductID])
	}
	return out, nil
}
