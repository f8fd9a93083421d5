// Package bank is the client for the external bank ledger API.
//
// The ledger is authoritative for money: a hold placed with Reserve must
// always be resolved with Commit or Cancel.
package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"

	"github.com/pkg/errors"

	"github.com/isucon/isucon8-final/internal/models"
)

type response interface {
	setStatus(int)
}

type basicResponse struct {
	status int
	Error  string `json:"error"`
}

func (r *basicResponse) success() bool  { return r.status == http.StatusOK }
func (r *basicResponse) setStatus(s int) { r.status = s }

type reserveResponse struct {
	basicResponse
	ReserveID int64 `json:"reserve_id"`
}

// Client talks to the bank ledger over bearer-authenticated JSON POSTs.
// Construct once with New and inject it; it is safe for concurrent use.
type Client struct {
	endpoint *url.URL
	appID    string
	hc       *http.Client
}

func New(endpoint, appID string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parse bank endpoint")
	}
	return &Client{endpoint: u, appID: appID, hc: http.DefaultClient}, nil
}

// Check verifies that the account can cover price. Outstanding reservations
// are not counted.
func (c *Client) Check(ctx context.Context, bankID string, price int64) error {
	res := &basicResponse{}
	v := map[string]interface{}{
		"bank_id": bankID,
		"price":   price,
	}
	if err := c.post(ctx, "/check", v, res); err != nil {
		return err
	}
	if res.success() {
		return nil
	}
	switch res.Error {
	case "bank_id not found":
		return models.ErrBankAccountNotFound
	case "credit is insufficient":
		return models.ErrCreditInsufficient
	}
	return errors.Wrapf(models.ErrBankUnavailable, "check failed: %s", res.Error)
}

// Reserve places a hold on the account. A negative price debits, a positive
// price credits. Returns the reservation id to pass to Commit or Cancel.
func (c *Client) Reserve(ctx context.Context, bankID string, price int64) (int64, error) {
	res := &reserveResponse{}
	v := map[string]interface{}{
		"bank_id": bankID,
		"price":   price,
	}
	if err := c.post(ctx, "/reserve", v, res); err != nil {
		return 0, err
	}
	if !res.success() {
		if res.Error == "credit is insufficient" {
			return 0, models.ErrCreditInsufficient
		}
		return 0, errors.Wrapf(models.ErrBankUnavailable, "reserve failed: %s", res.Error)
	}
	return res.ReserveID, nil
}

// Commit finalizes previously placed holds. With a valid reservation set this
// does not fail; any failure here is fatal to the caller.
func (c *Client) Commit(ctx context.Context, reserveIDs []int64) error {
	res := &basicResponse{}
	v := map[string]interface{}{
		"reserve_ids": reserveIDs,
	}
	if err := c.post(ctx, "/commit", v, res); err != nil {
		return err
	}
	if !res.success() {
		if res.Error == "credit is insufficient" {
			return models.ErrCreditInsufficient
		}
		return errors.Wrapf(models.ErrBankUnavailable, "commit failed: %s", res.Error)
	}
	return nil
}

// Cancel releases holds without effect on balances.
func (c *Client) Cancel(ctx context.Context, reserveIDs []int64) error {
	res := &basicResponse{}
	v := map[string]interface{}{
		"reserve_ids": reserveIDs,
	}
	if err := c.post(ctx, "/cancel", v, res); err != nil {
		return err
	}
	if !res.success() {
		return errors.Wrapf(models.ErrBankUnavailable, "cancel failed: %s", res.Error)
	}
	return nil
}

func (c *Client) post(ctx context.Context, p string, v interface{}, r response) error {
	u := new(url.URL)
	*u = *c.endpoint
	u.Path = path.Join(u.Path, p)

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(v); err != nil {
		return errors.Wrap(err, "encode bank request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "new bank request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.appID)

	res, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(models.ErrBankUnavailable, "bank request failed: %s", err)
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(r); err != nil {
		return errors.Wrapf(models.ErrBankUnavailable, "decode bank response: %s", err)
	}
	r.setStatus(res.StatusCode)
	return nil
}
