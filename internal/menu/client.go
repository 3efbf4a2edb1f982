// Package menu is the read-only boundary to the menu collaborator. Orders
// reprice every line item against it at creation time.
package menu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

var (
	ErrUnknownItem = errors.New("menu item not found")
	ErrUnavailable = errors.New("menu service unavailable")
)

type Item struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Available  bool   `json:"available"`
}

type Client struct {
	log     *slog.Logger
	baseURL string
	hc      *http.Client
}

func NewClient(log *slog.Logger, baseURL string, timeout time.Duration) *Client {
	return &Client{
		log:     log,
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
	}
}

// Item fetches the current price and availability of one menu entry.
func (c *Client) Item(ctx context.Context, restaurantID, itemID string) (Item, error) {
	url := fmt.Sprintf("%s/restaurants/%s/items/%s", c.baseURL, restaurantID, itemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Item{}, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Item{}, fmt.Errorf("%w: %s/%s", ErrUnknownItem, restaurantID, itemID)
	case resp.StatusCode != http.StatusOK:
		return Item{}, fmt.Errorf("%w: menu returned %d", ErrUnavailable, resp.StatusCode)
	}

	var item Item
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return Item{}, fmt.Errorf("%w: decode item: %v", ErrUnavailable, err)
	}
	return item, nil
}
