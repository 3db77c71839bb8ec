package connmux

import (
	"strconv"

	"github.com/fcgicore/engine/internal/record"
)

// wellKnownVariables are the GET_VALUES names this engine can answer.
const (
	varMaxConns  = "FCGI_MAX_CONNS"
	varMaxReqs   = "FCGI_MAX_REQS"
	varMpxsConns = "FCGI_MPXS_CONNS"
)

// GetValuesLimits carries the numbers the connection advertises in
// response to a GET_VALUES management record.
type GetValuesLimits struct {
	MaxConns int
	MaxReqs  int
}

func (c *Connection) handleGetValues(rec record.Record) error {
	requested, err := record.DecodeNameValuePairs(rec.Content)
	if err != nil {
		c.logger.Warn("malformed GET_VALUES", "conn", c.id, "error", err)
		return nil
	}

	var answer []record.NameValue
	for _, req := range requested {
		switch req.Name {
		case varMaxConns:
			if c.limits.MaxConns > 0 {
				answer = append(answer, record.NameValue{Name: varMaxConns, Value: strconv.Itoa(c.limits.MaxConns)})
			}
		case varMaxReqs:
			if c.limits.MaxReqs > 0 {
				answer = append(answer, record.NameValue{Name: varMaxReqs, Value: strconv.Itoa(c.limits.MaxReqs)})
			}
		case varMpxsConns:
			v := "0"
			if c.maxSessionsPerConn != 1 {
				v = "1"
			}
			answer = append(answer, record.NameValue{Name: varMpxsConns, Value: v})
		}
	}

	return c.writer.WriteRecord(record.TypeGetValuesResult, 0, record.EncodeNameValuePairs(answer))
}
