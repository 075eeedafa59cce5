package pagination

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is one Airtable record, passed through without interpretation.
// A typical record carries "id", "fields" and "createdTime".
type Record map[string]any

// ID returns the record identifier, or "" when absent.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Fields returns the field mapping, or nil when absent.
func (r Record) Fields() map[string]any {
	f, _ := r["fields"].(map[string]any)
	return f
}

// CreatedTime parses the "createdTime" timestamp.
func (r Record) CreatedTime() (time.Time, bool) {
	s, ok := r["createdTime"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Page is a single response: a batch of records plus an optional continuation token.
type Page struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`

	// Raw is the whole response object, including keys such as
	// createdRecords or updatedRecords that mutation responses carry.
	Raw map[string]any `json:"-"`
}

var errNullRecord = errors.New("record is null")

// Terminal reports whether no further pages follow.
func (p *Page) Terminal() bool {
	return p.Offset == ""
}

// UnmarshalJSON decodes numbers as json.Number so record values survive untouched.
// A single record object (the answer to a one-record create or update) becomes
// a page holding that record.
func (p *Page) UnmarshalJSON(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return err
	}

	var offset string
	if v, ok := top["offset"]; ok {
		if err := json.Unmarshal(v, &offset); err != nil {
			return fmt.Errorf("offset: %w", err)
		}
	}

	records := []Record{}
	switch {
	case top["records"] != nil:
		var raw []json.RawMessage
		if err := json.Unmarshal(top["records"], &raw); err != nil {
			return fmt.Errorf("records: %w", err)
		}
		for i, r := range raw {
			rec, err := decodeRecord(r)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			records = append(records, rec)
		}
	case top["id"] != nil:
		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	whole, err := decodeObject(data)
	if err != nil {
		return err
	}

	p.Records = records
	p.Offset = offset
	p.Raw = whole
	return nil
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func decodeRecord(data []byte) (Record, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errNullRecord
	}
	return Record(obj), nil
}
