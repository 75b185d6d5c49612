// Package tools projects the VkusVill tool server's raw JSON payloads
// into compact results the model can afford to read. Every operation
// returns a string and never an error: failures become sentinel text so
// the model can recover conversationally, re-asking or retrying with
// different arguments instead of aborting the run.
package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/maddness/vkusvill-mcp-bot/pkg/logging"
	"github.com/maddness/vkusvill-mcp-bot/services/assistant/session"
	"github.com/maddness/vkusvill-mcp-bot/services/llm"
	"github.com/maddness/vkusvill-mcp-bot/services/mcp"
)

// Sentinel strings returned to the model in place of errors.
const (
	NotFoundText   = "Товары не найдены"
	BadJSONText    = "Ошибка: неверный формат JSON"
	CartFailedText = "Ошибка создания корзины"
)

// Remote method names on the tool server.
const (
	methodSearch      = "vkusvill_products_search"
	methodCartCreate  = "vkusvill_cart_link_create"
	methodItemDetails = "vkusvill_product_details"
)

const (
	maxSearchResults = 10
	maxNameLen       = 50
	maxRawFallback   = 500
	maxPropertyLen   = 300
)

// Caller is the protocol-client surface the adapter needs.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
}

// Adapter builds session-bound tool sets over a shared protocol client.
type Adapter struct {
	mcp      Caller
	log      *logging.Logger
	validate *validator.Validate
}

// NewAdapter creates an adapter. log may be nil.
func NewAdapter(c Caller, log *logging.Logger) *Adapter {
	if log == nil {
		log = logging.Nop()
	}
	return &Adapter{
		mcp:      c,
		log:      log,
		validate: validator.New(),
	}
}

// ForSession returns the three shopping tools bound to s. The search
// tool caches name to id associations into the session's cart state as
// it goes, so later turns can reference earlier finds without
// re-searching.
func (a *Adapter) ForSession(s *session.Session) []llm.Tool {
	return []llm.Tool{
		{
			Name:        "search_products",
			Description: "Поиск товаров ВкусВилл по названию. Возвращает список товаров с id, названием, ценой и рейтингом.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Название товара для поиска"},
					"page":  map[string]any{"type": "integer", "description": "Номер страницы результатов, по умолчанию 1"},
				},
				"required": []string{"query"},
			},
			Execute: func(ctx context.Context, arguments string) string {
				return a.searchProducts(ctx, s, arguments)
			},
		},
		{
			Name:        "create_cart",
			Description: "Создаёт ссылку на корзину ВкусВилл. products_json: JSON строка вида [{\"external_id\": 123, \"quantity\": 1}, ...]",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"products_json": map[string]any{"type": "string", "description": "JSON массив товаров с external_id и quantity"},
				},
				"required": []string{"products_json"},
			},
			Execute: func(ctx context.Context, arguments string) string {
				return a.createCart(ctx, arguments)
			},
		},
		{
			Name:        "get_product_details",
			Description: "Детали товара ВкусВилл по id: состав, КБЖУ, срок годности, условия хранения, изготовитель.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"product_id": map[string]any{"type": "integer", "description": "Идентификатор товара из результатов поиска"},
				},
				"required": []string{"product_id"},
			},
			Execute: func(ctx context.Context, arguments string) string {
				return a.productDetails(ctx, arguments)
			},
		},
	}
}

type searchArgs struct {
	Query string `json:"query" validate:"required"`
	Page  int    `json:"page"`
}

type searchItem struct {
	ID     int64           `json:"id,omitempty"`
	XMLID  int64           `json:"xml_id"`
	Name   string          `json:"name"`
	Price  json.RawMessage `json:"price,omitempty"`
	Rating *struct {
		Average json.RawMessage `json:"average"`
	} `json:"rating,omitempty"`
}

type compactProduct struct {
	ID         int64           `json:"id,omitempty"`
	ExternalID int64           `json:"external_id"`
	Name       string          `json:"name"`
	Price      json.RawMessage `json:"price,omitempty"`
	Rating     json.RawMessage `json:"rating,omitempty"`
}

func (a *Adapter) searchProducts(ctx context.Context, s *session.Session, arguments string) string {
	var args searchArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		a.log.Warn("bad search arguments", "error", err)
		return BadJSONText
	}
	if err := a.validate.Struct(args); err != nil {
		return BadJSONText
	}
	if args.Page <= 0 {
		args.Page = 1
	}
	a.log.Info("searching products", "query", args.Query, "page", args.Page)

	result, err := a.mcp.Call(ctx, methodSearch, map[string]any{"q": args.Query, "page": args.Page})
	if err != nil {
		a.log.Error("search call failed", "query", args.Query, "error", err)
		return "Ошибка поиска: " + err.Error()
	}

	text := result.Text()
	if text == "" {
		return NotFoundText
	}

	items, ok := parseSearchItems(text)
	if !ok {
		a.log.Warn("unparseable search payload", "query", args.Query)
		return truncate(text, maxRawFallback)
	}
	if len(items) == 0 {
		return NotFoundText
	}

	if len(items) > maxSearchResults {
		items = items[:maxSearchResults]
	}
	compact := make([]compactProduct, 0, len(items))
	for _, it := range items {
		p := compactProduct{
			ID:         it.ID,
			ExternalID: it.XMLID,
			Name:       truncate(it.Name, maxNameLen),
			Price:      it.Price,
		}
		if it.Rating != nil {
			p.Rating = it.Rating.Average
		}
		compact = append(compact, p)
	}

	// Cache the top hit of the first page so later turns can say
	// "the tomatoes I already found" without another search.
	if args.Page == 1 {
		name := normalizeName(items[0].Name)
		if _, seen := s.CartState[name]; !seen && name != "" {
			s.RememberProduct(name, items[0].XMLID)
		}
	}

	out, err := json.Marshal(compact)
	if err != nil {
		return truncate(text, maxRawFallback)
	}
	a.log.Info("search done", "query", args.Query, "results", len(compact))
	return string(out)
}

// parseSearchItems accepts both the {"data": {"items": [...]}} envelope
// and a bare top-level list.
func parseSearchItems(text string) ([]searchItem, bool) {
	var envelope struct {
		Data struct {
			Items []searchItem `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err == nil && len(envelope.Data.Items) > 0 {
		return envelope.Data.Items, true
	}
	var bare []searchItem
	if err := json.Unmarshal([]byte(text), &bare); err == nil {
		return bare, true
	}
	// Envelope parsed but empty is still a valid "nothing found".
	if json.Valid([]byte(text)) && strings.HasPrefix(strings.TrimSpace(text), "{") {
		return nil, true
	}
	return nil, false
}

type cartArgs struct {
	ProductsJSON string `json:"products_json" validate:"required"`
}

type cartProduct struct {
	ExternalID int64 `json:"external_id" validate:"required"`
	Quantity   int   `json:"quantity"`
}

func (a *Adapter) createCart(ctx context.Context, arguments string) string {
	var args cartArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return BadJSONText
	}
	if err := a.validate.Struct(args); err != nil {
		return BadJSONText
	}

	var products []cartProduct
	if err := json.Unmarshal([]byte(args.ProductsJSON), &products); err != nil {
		a.log.Warn("bad cart payload", "error", err)
		return BadJSONText
	}
	if len(products) == 0 {
		return BadJSONText
	}

	wire := make([]map[string]any, 0, len(products))
	for _, p := range products {
		if err := a.validate.Struct(p); err != nil {
			return BadJSONText
		}
		q := p.Quantity
		if q <= 0 {
			q = 1
		}
		wire = append(wire, map[string]any{"xml_id": p.ExternalID, "q": q})
	}

	a.log.Info("creating cart", "products", len(wire))
	result, err := a.mcp.Call(ctx, methodCartCreate, map[string]any{"products": wire})
	if err != nil {
		a.log.Error("cart call failed", "error", err)
		return CartFailedText
	}
	text := result.Text()
	if text == "" {
		return CartFailedText
	}
	return text
}

type detailsArgs struct {
	ProductID int64 `json:"product_id" validate:"required"`
}

type productProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type detailPayload struct {
	Name   string          `json:"name"`
	Price  json.RawMessage `json:"price,omitempty"`
	Brand  string          `json:"brand,omitempty"`
	Rating *struct {
		Average json.RawMessage `json:"average"`
	} `json:"rating,omitempty"`
	URL        string            `json:"url,omitempty"`
	Image      string            `json:"image,omitempty"`
	Images     []string          `json:"images,omitempty"`
	Properties []productProperty `json:"properties,omitempty"`
}

// propertyKeys are the property names worth forwarding to the model,
// matched case-insensitively as substrings.
var propertyKeys = []string{
	"кбжу",
	"состав",
	"срок годности",
	"условия хранения",
	"изготовитель",
	"страна",
}

func (a *Adapter) productDetails(ctx context.Context, arguments string) string {
	var args detailsArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return BadJSONText
	}
	if err := a.validate.Struct(args); err != nil {
		return BadJSONText
	}

	a.log.Info("fetching product details", "product_id", args.ProductID)
	result, err := a.mcp.Call(ctx, methodItemDetails, map[string]any{"xml_id": args.ProductID})
	if err != nil {
		a.log.Error("details call failed", "product_id", args.ProductID, "error", err)
		return "Ошибка получения деталей: " + err.Error()
	}

	text := result.Text()
	if text == "" {
		return NotFoundText
	}

	payload, ok := parseDetailPayload(text)
	if !ok {
		return truncate(text, maxRawFallback)
	}

	out := map[string]any{"name": payload.Name}
	if len(payload.Price) > 0 {
		out["price"] = payload.Price
	}
	if payload.Brand != "" {
		out["brand"] = payload.Brand
	}
	if payload.Rating != nil && len(payload.Rating.Average) > 0 {
		out["rating"] = payload.Rating.Average
	}
	if payload.URL != "" {
		out["url"] = payload.URL
	}
	if img := primaryImage(payload); img != "" {
		out["image"] = img
	}
	props := map[string]string{}
	for _, p := range payload.Properties {
		lower := strings.ToLower(p.Name)
		for _, key := range propertyKeys {
			if strings.Contains(lower, key) {
				props[p.Name] = truncate(p.Value, maxPropertyLen)
				break
			}
		}
	}
	if len(props) > 0 {
		out["properties"] = props
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return truncate(text, maxRawFallback)
	}
	return string(encoded)
}

// parseDetailPayload accepts both a {"data": {...}} envelope and a bare
// object.
func parseDetailPayload(text string) (*detailPayload, bool) {
	var envelope struct {
		Data *detailPayload `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err == nil && envelope.Data != nil && envelope.Data.Name != "" {
		return envelope.Data, true
	}
	var bare detailPayload
	if err := json.Unmarshal([]byte(text), &bare); err == nil && bare.Name != "" {
		return &bare, true
	}
	return nil, false
}

func primaryImage(p *detailPayload) string {
	if p.Image != "" {
		return p.Image
	}
	if len(p.Images) > 0 {
		return p.Images[0]
	}
	return ""
}

// normalizeName lowercases a product name and cuts it at the first
// comma, which is where VkusVill names switch from product to packaging
// details.
func normalizeName(name string) string {
	name, _, _ = strings.Cut(name, ",")
	return strings.TrimSpace(strings.ToLower(name))
}

// truncate bounds s to n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
