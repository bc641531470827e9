package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// Event kinds and content tags understood by the parser.
const (
	KindMessageDelta = "message.delta"

	BlockText        = "text"
	BlockToolResults = "tool_results"

	ItemJSON = "json"
)

// Event is one decoded stream record: either a *MessageDelta or an *OtherEvent.
type Event interface {
	Kind() string
}

// MessageDelta carries an incremental piece of the assistant message.
type MessageDelta struct {
	Content []ContentBlock
}

// Kind implements Event.
func (*MessageDelta) Kind() string { return KindMessageDelta }

// OtherEvent is any event the parser does not interpret.
type OtherEvent struct {
	Name string
}

// Kind implements Event.
func (e *OtherEvent) Kind() string { return e.Name }

// ContentBlock is a *TextBlock, a *ToolResultsBlock or an *OtherBlock.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is a fragment of the answer.
type TextBlock struct {
	Text string
}

// BlockType implements ContentBlock.
func (*TextBlock) BlockType() string { return BlockText }

// ToolResultsBlock carries the output of a backend tool.
type ToolResultsBlock struct {
	Items []ToolResultItem
}

// BlockType implements ContentBlock.
func (*ToolResultsBlock) BlockType() string { return BlockToolResults }

// OtherBlock is a content block the parser does not interpret.
type OtherBlock struct {
	Type string
}

// BlockType implements ContentBlock.
func (b *OtherBlock) BlockType() string { return b.Type }

// ToolResultItem is a *JSONResult or an *OtherItem.
type ToolResultItem interface {
	ItemType() string
}

// JSONResult is structured tool output. SQL is empty when the item carries no
// generated query.
type JSONResult struct {
	Text          string
	SQL           string
	SearchResults []domain.SearchResult
}

// ItemType implements ToolResultItem.
func (*JSONResult) ItemType() string { return ItemJSON }

// OtherItem is a tool result the parser does not interpret.
type OtherItem struct {
	Type string
}

// ItemType implements ToolResultItem.
func (i *OtherItem) ItemType() string { return i.Type }

// fields is a JSON object decoded one level deep.
type fields map[string]json.RawMessage

var jsonNull = []byte("null")

// decodeFields decodes an object. Absent and null values yield no fields.
func decodeFields(raw json.RawMessage, what string) (fields, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return fields{}, nil
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("%s is not an object", what)
	}
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return f, nil
}

// str returns the string at key, or "" when it is absent or not a string.
func (f fields) str(key string) string {
	var s string
	if err := json.Unmarshal(f[key], &s); err != nil {
		return ""
	}
	return s
}

func (f fields) object(key string) (fields, error) {
	return decodeFields(f[key], key)
}

// list returns the elements of the array at key. Absent and null values yield
// no elements.
func (f fields) list(key string) ([]json.RawMessage, error) {
	raw := bytes.TrimSpace(f[key])
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return nil, nil
	}
	if raw[0] != '[' {
		return nil, fmt.Errorf("%s is not an array", key)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return items, nil
}

// DecodeEvent converts one raw record into its typed variant. Missing fields
// and string fields of the wrong JSON type default to empty. A container of
// the wrong shape is an error; the delta then holds every block decoded before
// it.
func DecodeEvent(raw json.RawMessage) (Event, error) {
	rec, err := decodeFields(raw, "record")
	if err != nil {
		return nil, err
	}
	name := rec.str("event")
	if name != KindMessageDelta {
		return &OtherEvent{Name: name}, nil
	}

	delta := &MessageDelta{}
	data, err := rec.object("data")
	if err != nil {
		return delta, err
	}
	body, err := data.object("delta")
	if err != nil {
		return delta, err
	}
	blocks, err := body.list("content")
	if err != nil {
		return delta, err
	}

	delta.Content = make([]ContentBlock, 0, len(blocks))
	for i, rawBlock := range blocks {
		block, err := decodeBlock(rawBlock)
		if block != nil {
			delta.Content = append(delta.Content, block)
		}
		if err != nil {
			return delta, fmt.Errorf("content block %d: %w", i, err)
		}
	}
	return delta, nil
}

// decodeBlock returns a partial *ToolResultsBlock alongside an error when one
// of its items is malformed.
func decodeBlock(raw json.RawMessage) (ContentBlock, error) {
	f, err := decodeFields(raw, "block")
	if err != nil {
		return nil, err
	}

	switch kind := f.str("type"); kind {
	case BlockText:
		return &TextBlock{Text: f.str("text")}, nil
	case BlockToolResults:
		results := &ToolResultsBlock{}
		tr, err := f.object("tool_results")
		if err != nil {
			return results, err
		}
		items, err := tr.list("content")
		if err != nil {
			return results, err
		}
		results.Items = make([]ToolResultItem, 0, len(items))
		for i, rawItem := range items {
			item, err := decodeItem(rawItem)
			if err != nil {
				return results, fmt.Errorf("tool result %d: %w", i, err)
			}
			results.Items = append(results.Items, item)
		}
		return results, nil
	default:
		return &OtherBlock{Type: kind}, nil
	}
}

func decodeItem(raw json.RawMessage) (ToolResultItem, error) {
	f, err := decodeFields(raw, "tool result")
	if err != nil {
		return nil, err
	}
	kind := f.str("type")
	if kind != ItemJSON {
		return &OtherItem{Type: kind}, nil
	}

	body, err := f.object("json")
	if err != nil {
		return nil, err
	}
	refs, err := body.list("searchResults")
	if err != nil {
		return nil, err
	}

	result := &JSONResult{Text: body.str("text"), SQL: body.str("sql")}
	for i, rawRef := range refs {
		ref, err := decodeFields(rawRef, "search result")
		if err != nil {
			return nil, fmt.Errorf("search result %d: %w", i, err)
		}
		result.SearchResults = append(result.SearchResults, domain.SearchResult{
			SourceID: ref.str("source_id"),
			DocID:    ref.str("doc_id"),
		})
	}
	return result, nil
}
