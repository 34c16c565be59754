package store

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// FindByStatus pages through every record in the layout whose field
// matches the given value. The stores paging is 1-based and rejects
// explicit offsets <= 0, so the first request omits the offset and
// subsequent requests advance by the number of records actually
// returned. Iteration stops on a short page, a no-records response, or
// the safety cap; hitting the cap logs a warning and returns what was
// gathered rather than failing the cycle.
func (client *Client) FindByStatus(ctx context.Context, layout string, field string, value string, pageSize int, safetyCap int) ([]Record, error) {
	gathered := make([]Record, 0)
	offset := 0

	for {
		request := findRequest{
			Query: []map[string]string{{field: value}},
			Limit: pageSize,
		}
		if offset > 0 {
			request.Offset = offset
		}

		response, err := client.doRequest(ctx, http.MethodPost, findPath(layout), request, true)
		if err != nil {
			if IsNotFound(err) {
				// No records at this status (or no further pages); a
				// normal outcome, not an error.
				return gathered, nil
			}

			return nil, err
		}

		page := recordsFromWire(response.Response.Data)
		gathered = append(gathered, page...)

		if len(gathered) >= safetyCap {
			log.Warnf("Pagination safety cap (%d) reached for layout %s at %q=%q; continuing cycle with gathered records\n", safetyCap, layout, field, value)
			return gathered[:safetyCap], nil
		}

		if len(page) < pageSize {
			return gathered, nil
		}

		offset += len(page)
	}
}

// FindByOr issues a single multi-predicate find where each value forms
// one OR branch over the same field. A no-records response yields an
// empty slice. Rate-limit classes (429/503) are retried by the client.
func (client *Client) FindByOr(ctx context.Context, layout string, field string, values []string, limit int) ([]Record, error) {
	if len(values) == 0 {
		return []Record{}, nil
	}

	query := make([]map[string]string, 0, len(values))
	for _, value := range values {
		query = append(query, map[string]string{field: value})
	}

	response, err := client.doRequest(ctx, http.MethodPost, findPath(layout), findRequest{Query: query, Limit: limit}, true)
	if err != nil {
		if IsNotFound(err) {
			return []Record{}, nil
		}

		return nil, err
	}

	return recordsFromWire(response.Response.Data), nil
}

// GetOne fetches a single record by its opaque store handle.
func (client *Client) GetOne(ctx context.Context, layout string, recordKey string) (*Record, error) {
	path := fmt.Sprintf("/layouts/%s/records/%s", url.PathEscape(layout), url.PathEscape(recordKey))
	response, err := client.doRequest(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		if IsNotFound(err) {
			return nil, &NotFoundError{Layout: layout, RecordKey: recordKey}
		}

		return nil, err
	}

	if len(response.Response.Data) == 0 {
		return nil, &NotFoundError{Layout: layout, RecordKey: recordKey}
	}

	record := recordsFromWire(response.Response.Data[:1])[0]
	return &record, nil
}

// GetChildrenOf pages through every record whose parent field matches
// the given parent ID. Orphan lookups returning nothing are normal.
func (client *Client) GetChildrenOf(ctx context.Context, layout string, parentField string, parentID string, pageSize int, safetyCap int) ([]Record, error) {
	return client.FindByStatus(ctx, layout, parentField, parentID, pageSize, safetyCap)
}

// PatchFields applies a partial update to a single record. This is the
// only write the controller ever performs against the store.
func (client *Client) PatchFields(ctx context.Context, layout string, recordKey string, fields map[string]any) error {
	path := fmt.Sprintf("/layouts/%s/records/%s", url.PathEscape(layout), url.PathEscape(recordKey))
	_, err := client.doRequest(ctx, http.MethodPatch, path, map[string]any{"fieldData": fields}, false)
	return err
}

// ExecScript invokes an opaque server-side script hook and returns its
// scalar result. The core controller never calls this; it exists for
// the out-of-scope batch utilities which share this client.
func (client *Client) ExecScript(ctx context.Context, layout string, scriptName string, param string) (string, error) {
	path := fmt.Sprintf("/layouts/%s/script/%s", url.PathEscape(layout), url.PathEscape(scriptName))
	if param != "" {
		path += "?script.param=" + url.QueryEscape(param)
	}

	response, err := client.doRequest(ctx, http.MethodPost, path, nil, false)
	if err != nil {
		return "", err
	}

	return response.Response.ScriptResult, nil
}

func findPath(layout string) string {
	return fmt.Sprintf("/layouts/%s/_find", url.PathEscape(layout))
}
