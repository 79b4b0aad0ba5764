// Package dop implements the two roles of the digital object protocol
// on top of multiplexed connections. A ClientConn authenticates the
// server it dials and performs operations on objects; a ServerConn
// authenticates callers and a Server dispatches their operations to
// handlers by operation ID.
package dop

import (
	"errors"
	"strings"

	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
)

// Standard operation identifiers.
const (
	OpListOperations = "1037/0"
	OpCreateObject   = "1037/1"
	OpGetData        = "1037/5"
	OpStoreData      = "1037/6"
	OpListObjects    = "1037/10"
	OpGetCredentials = "1037/42"
	OpDeleteObject   = "1037/45"
	OpObjectExists   = "1037/46"
)

const (
	cmdAuthenticate = "authenticate"
	cmdDo           = "do"
	cmdResponse     = "response"

	statusSuccess = "success"
	statusError   = "error"

	paramsPrefix = "params"
)

// OperationHeader is the first line written on an operation channel.
type OperationHeader struct {
	CallerID    string `header:"callerid"`
	ObjectID    string `header:"objectid"`
	OperationID string `header:"operationid"`
}

func (h OperationHeader) encode(params *codec.HeaderSet) *codec.HeaderSet {
	req := codec.NewHeaderSet(cmdDo)
	req.Add("callerid", h.CallerID)
	req.Add("objectid", h.ObjectID)
	req.Add("operationid", h.OperationID)
	req.AddHeaders(paramsPrefix, params)
	return req
}

func successResponse() *codec.HeaderSet {
	resp := codec.NewHeaderSet(cmdResponse)
	resp.Add("status", statusSuccess)
	return resp
}

func errorResponse(err error) *codec.HeaderSet {
	kind := errs.KindOf(err)
	if kind == errs.Unknown {
		kind = errs.ServerError
	}
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) && e.Err == nil {
		msg = e.Message
	}
	resp := codec.NewHeaderSet(cmdResponse)
	resp.Add("status", statusError)
	resp.Add("message", msg)
	resp.AddInt("code", kind.Code())
	return resp
}

// responseError returns the error carried by an operation or control
// response, or nil when it reports success.
func responseError(resp *codec.HeaderSet) error {
	if !strings.EqualFold(resp.GetString("status", ""), statusError) {
		return nil
	}
	kind := errs.FromCode(resp.GetInt("code", errs.Protocol.Code()))
	return errs.New(kind, resp.GetString("message", ""))
}
