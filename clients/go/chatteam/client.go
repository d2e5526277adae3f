// Package chatteam provides a Go client for the ChatTeam meeting-room
// protocol: transactional room presence over HTTP, the chat session protocol,
// and the voice mesh coordinator over WebSocket signaling.
package chatteam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
	"github.com/axelrubianes-glitch/ChatTeam/internal/wire"
)

// Presence failures surfaced by the REST operations.
var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomEnded    = errors.New("room ended")
)

// User is the opaque verified identity handed to the client.
type User struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// Client is a ChatTeam API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// NewClient creates a new ChatTeam client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Dialer:     websocket.DefaultDialer,
	}
}

// RoomView is a room document plus its current participants.
type RoomView struct {
	Room         models.Room          `json:"room"`
	Participants []models.Participant `json:"participants"`
}

// CreateRoom writes a fresh presence record for the room. The creator path
// runs this before retrying a chat join that failed with ROOM_NOT_FOUND.
func (c *Client) CreateRoom(ctx context.Context, roomID string, host User) (*RoomView, error) {
	body := map[string]any{"room_id": roomID, "host": host}
	var out RoomView
	if err := c.post(ctx, "/rooms", body, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRoom fetches a room's presence record.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*RoomView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/rooms/"+url.PathEscape(roomID), nil)
	if err != nil {
		return nil, err
	}
	var out RoomView
	if err := c.do(req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinRoom runs the transactional presence join.
func (c *Client) JoinRoom(ctx context.Context, roomID string, me User) (*RoomView, error) {
	var out RoomView
	if err := c.post(ctx, "/rooms/"+url.PathEscape(roomID)+"/join", me, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// LeaveRoom runs the transactional presence leave. Safe to call twice.
func (c *Client) LeaveRoom(ctx context.Context, roomID string, uid string) error {
	return c.post(ctx, "/rooms/"+url.PathEscape(roomID)+"/leave", map[string]string{"uid": uid}, nil, http.StatusNoContent)
}

func (c *Client) post(ctx context.Context, path string, body, out any, wantStatus int) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out, wantStatus)
}

func (c *Client) do(req *http.Request, out any, wantStatus int) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		switch resp.StatusCode {
		case http.StatusConflict:
			return ErrRoomExists
		case http.StatusNotFound:
			return ErrRoomNotFound
		case http.StatusGone:
			return ErrRoomEnded
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("chatteam: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("chatteam: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// wsURL converts the base URL into the websocket endpoint for a channel.
func (c *Client) wsURL(roomID, channel string) string {
	u := c.BaseURL
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/rooms/" + url.PathEscape(roomID) + "/" + channel
}

func (c *Client) dial(ctx context.Context, roomID, channel string) (*websocket.Conn, error) {
	conn, resp, err := c.Dialer.DialContext(ctx, c.wsURL(roomID, channel), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (c *Client) user(u User) wire.User {
	return wire.User{UID: u.UID, Name: u.Name}
}
