package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"nftgate/redemption-service/internal/models"
)

const (
	methodGetObject = "ledger_getObject"
	methodRedeem    = "ledger_redeem"
)

// RPCClient talks JSON-RPC 2.0 to a ledger fullnode. It implements both
// Reader and Redeemer.
type RPCClient struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Int64
}

type RPCOptions struct {
	Timeout time.Duration
}

func NewRPCClient(endpoint string, options RPCOptions) *RPCClient {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RPCClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type getObjectResult struct {
	Exists   bool   `json:"exists"`
	OwnerRef string `json:"owner_ref"`
	Fields   struct {
		EventBinding string `json:"event_binding"`
		Used         bool   `json:"used"`
		TicketNumber string `json:"ticket_number"`
		SeatZone     string `json:"seat_zone"`
		SeatNumber   string `json:"seat_number"`
		TicketType   string `json:"ticket_type"`
	} `json:"fields"`
}

type redeemResult struct {
	TxDigest string `json:"tx_digest"`
}

func (c *RPCClient) Resolve(ctx context.Context, ticketRef string) (models.TicketState, error) {
	var result getObjectResult
	if err := c.call(ctx, methodGetObject, []interface{}{ticketRef}, &result); err != nil {
		return models.TicketState{}, err
	}
	if !result.Exists {
		return models.TicketState{}, ErrNotFound
	}
	return models.TicketState{
		TicketRef:    ticketRef,
		EventBinding: result.Fields.EventBinding,
		Used:         result.Fields.Used,
		OwnerRef:     result.OwnerRef,
		TicketNumber: result.Fields.TicketNumber,
		SeatZone:     result.Fields.SeatZone,
		SeatNumber:   result.Fields.SeatNumber,
		TicketType:   result.Fields.TicketType,
	}, nil
}

func (c *RPCClient) Redeem(ctx context.Context, ticketRef, capabilityRef string) (string, error) {
	var result redeemResult
	if err := c.call(ctx, methodRedeem, []interface{}{ticketRef, capabilityRef}, &result); err != nil {
		return "", err
	}
	return result.TxDigest, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: rpc error %d: %s", ErrUnavailable, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}
