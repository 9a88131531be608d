package lineworks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/secretary/internal/telegraph"
)

// SignatureHeader carries base64(HMAC-SHA256(botSecret, body)).
const SignatureHeader = "X-WORKS-Signature"

const maxCallbackBody = 1 << 20

type callbackEvent struct {
	Type   string `json:"type"`
	Source struct {
		UserID    string `json:"userId"`
		AccountID string `json:"accountId"`
		ChannelID string `json:"channelId"`
	} `json:"source"`
	IssuedTime time.Time `json:"issuedTime"`
	Content    struct {
		Type   string `json:"type"`
		Text   string `json:"text"`
		FileID string `json:"fileId"`
	} `json:"content"`
}

// Webhook is the gin handler for the bot callback URL. It verifies the
// signature, answers 200 at once and delivers the event asynchronously.
func (a *Adapter) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if !VerifySignature(a.botSecret, body, c.GetHeader(SignatureHeader)) {
		a.log.Warn("callback signature mismatch", zap.String("remote", c.ClientIP()))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var ev callbackEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		a.log.Warn("callback decode", zap.Error(err))
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	msg, ok := toInbound(ev)
	if !ok {
		c.Status(http.StatusOK)
		return
	}

	a.mu.Lock()
	if !a.listening || a.closed {
		a.mu.Unlock()
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	a.inflight.Add(1)
	a.mu.Unlock()

	c.Status(http.StatusOK)
	go func() {
		defer a.inflight.Done()
		select {
		case a.inbound <- msg:
		case <-a.done:
		}
	}()
}

// VerifySignature reports whether sig is the base64 HMAC-SHA256 of body
// under secret.
func VerifySignature(secret string, body []byte, sig string) bool {
	if sig == "" {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign computes the X-WORKS-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// toInbound maps a message event to an InboundMessage. Non-message events
// (join, leave, postback) are ignored.
func toInbound(ev callbackEvent) (telegraph.InboundMessage, bool) {
	if ev.Type != "message" {
		return telegraph.InboundMessage{}, false
	}
	userID := ev.Source.UserID
	if userID == "" {
		userID = ev.Source.AccountID
	}
	if userID == "" {
		return telegraph.InboundMessage{}, false
	}
	ts := ev.IssuedTime
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := telegraph.InboundMessage{
		Platform:  "lineworks",
		UserID:    userID,
		ChannelID: ev.Source.ChannelID,
		Timestamp: ts,
	}
	switch ev.Content.Type {
	case "text":
		msg.Kind = telegraph.KindText
		msg.Text = ev.Content.Text
	case "image":
		msg.Kind = telegraph.KindImage
		msg.FileID = ev.Content.FileID
		msg.FileName = ev.Content.FileID + ".jpg"
	default:
		msg.Kind = telegraph.KindOther
	}
	return msg, true
}
