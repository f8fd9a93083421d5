// Package auditlog is the client for the external audit log sink.
package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Entry is the wire format the sink accepts.
type Entry struct {
	Tag  string      `json:"tag"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// Logger sends audit events to the sink. Delivery is best effort: use Record
// for fire-and-forget emission, Send when the caller wants the error.
type Logger struct {
	endpoint *url.URL
	appID    string
	hc       *http.Client
}

func New(endpoint, appID string) (*Logger, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parse audit log endpoint")
	}
	return &Logger{endpoint: u, appID: appID, hc: http.DefaultClient}, nil
}

// Record sends an audit event and swallows any failure, logging it locally.
// A nil Logger drops entries, which keeps offline tools and tests simple.
func (l *Logger) Record(ctx context.Context, tag string, data interface{}) {
	if l == nil {
		return
	}
	if err := l.Send(ctx, tag, data); err != nil {
		logrus.WithError(err).WithField("tag", tag).Warn("audit log send failed")
	}
}

func (l *Logger) Send(ctx context.Context, tag string, data interface{}) error {
	u := new(url.URL)
	*u = *l.endpoint
	u.Path = path.Join(u.Path, "/send")

	body := &bytes.Buffer{}
	entry := Entry{Tag: tag, Time: time.Now(), Data: data}
	if err := json.NewEncoder(body).Encode(entry); err != nil {
		return errors.Wrap(err, "encode audit log entry")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "new audit log request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.appID)

	res, err := l.hc.Do(req)
	if err != nil {
		return errors.Wrap(err, "audit log request failed")
	}
	defer res.Body.Close()
	bo, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrap(err, "read audit log response")
	}
	if res.StatusCode != http.StatusOK {
		return errors.Errorf("audit log status is not ok. code: %d, body: %s", res.StatusCode, bo)
	}
	return nil
}
