package mdh

import (
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/datagate-io/datagate/internal/domain/fault"
	"github.com/datagate-io/datagate/internal/domain/mdh"
)

// parseQueryResponse reads a record query response. Hub deployments
// disagree on XML namespaces, so elements and attributes are matched by
// local name only.
func parseQueryResponse(r io.Reader) (*mdh.RecordSet, error) {
	dec := xml.NewDecoder(r)
	rs := &mdh.RecordSet{}
	found := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.MDHParseError, "malformed record query response", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch {
		case se.Name.Local == "RecordQueryResponse":
			found = true
			for _, a := range se.Attr {
				switch a.Name.Local {
				case "resultCount":
					rs.Metadata.ResultCount, _ = strconv.Atoi(a.Value)
				case "totalCount":
					rs.Metadata.TotalCount, _ = strconv.Atoi(a.Value)
				case "offsetToken":
					rs.Metadata.OffsetToken = a.Value
				}
			}
		case strings.EqualFold(se.Name.Local, "record"):
			rec, err := parseRecord(dec, se)
			if err != nil {
				return nil, err
			}
			rs.Records = append(rs.Records, rec)
		}
	}

	if !found {
		return nil, fault.New(fault.MDHParseError, "response is not a RecordQueryResponse")
	}

	if rs.Metadata.ResultCount == 0 {
		rs.Metadata.ResultCount = len(rs.Records)
	}
	rs.Metadata.HasMore = rs.Metadata.ResultCount < rs.Metadata.TotalCount
	return rs, nil
}

// parseRecord consumes one record element. Each leaf child lands in the
// record map keyed by its upper-cased local name; the legacy
// <fieldValue fieldId="..."> form keys by the attribute instead. The
// hub's record identifier, attribute or element, lands under
// "_record_id".
func parseRecord(dec *xml.Decoder, start xml.StartElement) (map[string]any, error) {
	rec := make(map[string]any)
	for _, a := range start.Attr {
		if strings.EqualFold(a.Name.Local, "recordId") {
			rec[mdh.RecordIDKey] = a.Value
		}
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fault.Wrap(fault.MDHParseError, "truncated record element", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if strings.EqualFold(t.Name.Local, "fieldValue") {
				fieldID := ""
				for _, a := range t.Attr {
					if a.Name.Local == "fieldId" {
						fieldID = a.Value
					}
				}
				value, err := elementText(dec)
				if err != nil {
					return nil, err
				}
				if fieldID != "" {
					rec[mdh.CanonicalFieldID(fieldID)] = value
				}
				continue
			}

			value, err := elementText(dec)
			if err != nil {
				return nil, err
			}
			if strings.EqualFold(t.Name.Local, "recordId") {
				rec[mdh.RecordIDKey] = value
			} else {
				rec[mdh.CanonicalFieldID(t.Name.Local)] = value
			}
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return rec, nil
			}
		}
	}
}

// elementText reads character data up to the current element's end tag.
func elementText(dec *xml.Decoder) (string, error) {
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fault.Wrap(fault.MDHParseError, "truncated field value", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			return strings.TrimSpace(b.String()), nil
		case xml.StartElement:
			// Nested markup inside a field value is not part of the
			// contract; skip it rather than fail the whole page.
			if err := dec.Skip(); err != nil {
				return "", fault.Wrap(fault.MDHParseError, "malformed field value", err)
			}
		}
	}
}
