package telemetry

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/assigner/assigner/internal/rules"
)

// QueryResult preserves column order so CSV export is deterministic.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

type cacheEntry struct {
	result  *QueryResult
	expires time.Time
}

// queryCache is the per-template TTL cache, keyed by template name plus the
// canonical parameter encoding.
type queryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newQueryCache() *queryCache {
	return &queryCache{entries: make(map[string]cacheEntry)}
}

func (qc *queryCache) get(key string) (*QueryResult, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	entry, ok := qc.entries[key]
	if !ok || time.Now().After(entry.expires) {
		delete(qc.entries, key)
		return nil, false
	}
	return entry.result, true
}

func (qc *queryCache) put(key string, result *QueryResult, ttl time.Duration) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.entries[key] = cacheEntry{result: result, expires: time.Now().Add(ttl)}
}

// purge drops every cached result. Called on config reload since templates
// may have changed underneath the keys.
func (qc *queryCache) purge() {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.entries = make(map[string]cacheEntry)
}

func (s *Server) handleListQueries(c *gin.Context) {
	snap := s.rules.Snapshot()
	names := make([]string, 0, len(snap.Queries))
	for name := range snap.Queries {
		names = append(names, name)
	}
	sort.Strings(names)

	templates := make([]rules.QueryTemplate, 0, len(names))
	for _, name := range names {
		templates = append(templates, snap.Queries[name])
	}
	c.JSON(http.StatusOK, gin.H{"queries": templates})
}

// handleRunQuery executes a named query. Parameters arrive as a JSON body on
// POST or as query-string values on GET; ?format=csv switches the export.
func (s *Server) handleRunQuery(c *gin.Context) {
	name := c.Param("name")
	snap := s.rules.Snapshot()
	tpl, ok := snap.Queries[name]
	if !ok {
		apiError(c, http.StatusNotFound, codeUnknownQuery, fmt.Sprintf("no query named %q", name))
		return
	}

	raw, err := s.rawParams(c)
	if err != nil {
		apiError(c, http.StatusBadRequest, codeInvalidPayload, err.Error())
		return
	}
	params, err := resolveParams(tpl, raw)
	if err != nil {
		apiError(c, http.StatusBadRequest, codeMissingParam, err.Error())
		return
	}

	key := cacheKey(name, params)
	result, hit := s.cache.get(key)
	if !hit {
		result, err = s.execQuery(c.Request.Context(), tpl, params)
		if err != nil {
			s.storeError(c, err)
			return
		}
		if tpl.CacheTTL > 0 {
			s.cache.put(key, result, time.Duration(tpl.CacheTTL)*time.Second)
		}
	}

	if c.Query("format") == "csv" {
		writeCSV(c, name, result)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"query":  name,
		"cached": hit,
		"result": result,
	})
}

// rawParams collects caller-supplied parameter values.
func (s *Server) rawParams(c *gin.Context) (map[string]any, error) {
	raw := make(map[string]any)
	if c.Request.Method == http.MethodPost && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&raw); err != nil {
			return nil, fmt.Errorf("invalid parameter body: %w", err)
		}
		return raw, nil
	}
	for key, values := range c.Request.URL.Query() {
		if key == "format" || len(values) == 0 {
			continue
		}
		raw[key] = values[0]
	}
	return raw, nil
}

// resolveParams validates and coerces supplied values against the template's
// declared parameters. Unknown parameters are rejected; missing optional ones
// take their defaults.
func resolveParams(tpl rules.QueryTemplate, raw map[string]any) (map[string]any, error) {
	declared := make(map[string]rules.QueryParam, len(tpl.Params))
	for _, p := range tpl.Params {
		declared[p.Name] = p
	}
	for name := range raw {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
	}

	resolved := make(map[string]any, len(tpl.Params))
	for _, p := range tpl.Params {
		value, supplied := raw[p.Name]
		if !supplied {
			if p.Required && p.Default == nil {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			value = p.Default
		}
		coerced, err := coerceParam(p, value)
		if err != nil {
			return nil, err
		}
		resolved[p.Name] = coerced
	}
	return resolved, nil
}

// coerceParam converts a raw value (JSON-decoded or query-string) to the
// declared parameter type.
func coerceParam(p rules.QueryParam, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch p.Type {
	case "string":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil
	case "int":
		switch v := value.(type) {
		case int:
			return v, nil
		case float64:
			return int(v), nil
		case string:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %q is not an integer", p.Name, v)
			}
			return n, nil
		}
	case "float":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %q is not a number", p.Name, v)
			}
			return f, nil
		}
	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %q is not a boolean", p.Name, v)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("parameter %q: cannot coerce %T to %s", p.Name, value, p.Type)
}

// execQuery runs the template's SQL with named bindings on the read-only
// handle. Templates are read-only by contract; they come from the operator's
// own config tree, not from API callers.
func (s *Server) execQuery(ctx context.Context, tpl rules.QueryTemplate, params map[string]any) (*QueryResult, error) {
	bound, args, err := sqlx.Named(tpl.SQL, params)
	if err != nil {
		return nil, err
	}
	bound = s.reader.Rebind(bound)

	rows, err := s.reader.QueryxContext(ctx, bound, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		row := make(map[string]any, len(columns))
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for key, value := range row {
			if b, ok := value.([]byte); ok {
				row[key] = string(b)
			}
		}
		result.Rows = append(result.Rows, row)
	}
	return result, rows.Err()
}

func cacheKey(name string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := make(map[string]any, len(params))
	for _, k := range keys {
		canonical[k] = params[k]
	}
	raw, _ := json.Marshal(canonical)
	return name + "?" + string(raw)
}

func writeCSV(c *gin.Context, name string, result *QueryResult) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", name))

	w := csv.NewWriter(c.Writer)
	_ = w.Write(result.Columns)
	for _, row := range result.Rows {
		record := make([]string, len(result.Columns))
		for i, col := range result.Columns {
			if value := row[col]; value != nil {
				record[i] = fmt.Sprint(value)
			}
		}
		_ = w.Write(record)
	}
	w.Flush()
}
