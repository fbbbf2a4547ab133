package nsadapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal REST client for the LoRaWAN network server's
// downlink and gateway APIs.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient constructs a network server client.
func NewClient(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("nsadapter: empty base url")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Handle identifies an accepted downlink in the network server's queue.
type Handle struct {
	ID string
}

// GatewayHealth summarizes connectivity of the gateways serving a tenant.
type GatewayHealth struct {
	OnlineCount int
	TotalCount  int
}

// ErrNotFound is returned when the destination device is unknown to the
// network server.
var ErrNotFound = errors.New("nsadapter: not found")

type enqueueRequest struct {
	DevEUI    string `json:"devEui"`
	Confirmed bool   `json:"confirmed"`
	FPort     int    `json:"fPort"`
	Data      string `json:"data"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

type gatewayStatsResponse struct {
	Gateways []struct {
		GatewayID string `json:"gatewayId"`
		State     string `json:"state"`
	} `json:"result"`
}

// Transmit hands a downlink frame to the network server for the given
// destination device.
func (c *Client) Transmit(ctx context.Context, destination string, payload []byte, channel int, confirmed bool) (Handle, error) {
	if destination == "" {
		return Handle{}, errors.New("nsadapter: empty destination")
	}
	body := enqueueRequest{
		DevEUI:    destination,
		Confirmed: confirmed,
		FPort:     channel,
		Data:      base64.StdEncoding.EncodeToString(payload),
	}
	var resp enqueueResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/devices/"+destination+"/queue", body, &resp); err != nil {
		return Handle{}, err
	}
	return Handle{ID: resp.ID}, nil
}

// QueryHealth returns gateway connectivity for a gateway group.
func (c *Client) QueryHealth(ctx context.Context, gatewayGroup string) (GatewayHealth, error) {
	path := "/api/gateways?group=" + gatewayGroup
	var resp gatewayStatsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return GatewayHealth{}, err
	}
	health := GatewayHealth{TotalCount: len(resp.Gateways)}
	for _, gw := range resp.Gateways {
		if strings.EqualFold(gw.State, "online") {
			health.OnlineCount++
		}
	}
	return health, nil
}

// FlushQueue drops any pending downlinks for a destination. Used before
// corrective resends so stale frames never reach the device.
func (c *Client) FlushQueue(ctx context.Context, destination string) error {
	if destination == "" {
		return errors.New("nsadapter: empty destination")
	}
	err := c.doJSON(ctx, http.MethodDelete, "/api/devices/"+destination+"/queue", nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("nsadapter: http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
