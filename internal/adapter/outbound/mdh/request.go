// Package mdh implements the master-data-hub adapter: JSON-RPC catalog
// calls and XML record queries over HTTP basic auth.
package mdh

import (
	"encoding/xml"
	"fmt"

	"github.com/datagate-io/datagate/internal/domain/mdh"
)

// Wire form of a record query:
//
//	<RecordQueryRequest limit="100" offsetToken="...">
//	  <view>
//	    <fieldId>TITLE</fieldId>
//	  </view>
//	  <filter op="AND">
//	    <fieldValue>
//	      <fieldId>BRAND</fieldId>
//	      <operator>EQUALS</operator>
//	      <value>Sony</value>
//	    </fieldValue>
//	  </filter>
//	</RecordQueryRequest>
type recordQueryRequest struct {
	XMLName     xml.Name          `xml:"RecordQueryRequest"`
	Limit       int               `xml:"limit,attr"`
	OffsetToken string            `xml:"offsetToken,attr,omitempty"`
	View        queryView         `xml:"view"`
	Filter      *queryFilterGroup `xml:"filter,omitempty"`
}

type queryView struct {
	FieldIDs []string `xml:"fieldId"`
}

type queryFilterGroup struct {
	Op     string            `xml:"op,attr"`
	Values []queryFieldValue `xml:"fieldValue"`
}

type queryFieldValue struct {
	FieldID  string `xml:"fieldId"`
	Operator string `xml:"operator"`
	Value    string `xml:"value"`
}

// buildQueryXML serializes a normalized record query. A query without
// projected fields is rejected; the hub treats an empty view as an
// error, and the pipeline never produces one.
func buildQueryXML(q *mdh.RecordQuery) ([]byte, error) {
	if len(q.Fields) == 0 {
		return nil, fmt.Errorf("record query for model %s has no projected fields", q.ModelID)
	}

	req := recordQueryRequest{
		Limit:       q.Limit,
		OffsetToken: q.OffsetToken,
		View:        queryView{FieldIDs: q.Fields},
	}
	if len(q.Filters) > 0 {
		group := &queryFilterGroup{Op: "AND"}
		for _, f := range q.Filters {
			op := f.Operator
			if op == "" {
				op = mdh.OperatorEquals
			}
			group.Values = append(group.Values, queryFieldValue{
				FieldID:  f.FieldID,
				Operator: op,
				Value:    f.Value,
			})
		}
		req.Filter = group
	}

	body, err := xml.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal record query: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
