package scheduler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrJobNotFound 作业不存在（删除时视为幂等成功）
var ErrJobNotFound = errors.New("scheduler job not found")

// Client 动态调度器客户端。创建/删除一次性 cron 作业，
// 作业到点后回调 Worker 的 HTTP 端点
type Client struct {
	httpClient *http.Client
	baseURL    string
	audience   string
	tokens     oauth2.TokenSource
}

// NewClient 创建调度器客户端。projectID/region 仅用于寻址；
// tokens 是 Worker 自身调用调度器 API 的凭证（平台默认凭证）
func NewClient(projectID, region, audience string, tokens oauth2.TokenSource) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:  fmt.Sprintf("https://cloudscheduler.googleapis.com/v1/projects/%s/locations/%s/jobs", projectID, region),
		audience: audience,
		tokens:   tokens,
	}
}

// Job 调度器中的一个作业
type Job struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	TimeZone string `json:"timeZone"`
	State    string `json:"state,omitempty"`

	HTTPTarget struct {
		URI        string            `json:"uri"`
		HTTPMethod string            `json:"httpMethod"`
		Body       string            `json:"body,omitempty"` // base64
		Headers    map[string]string `json:"headers,omitempty"`
		OidcToken  *OidcToken        `json:"oidcToken,omitempty"`
	} `json:"httpTarget"`
}

// OidcToken 作业回调时携带的身份令牌配置
type OidcToken struct {
	ServiceAccountEmail string `json:"serviceAccountEmail"`
	Audience            string `json:"audience,omitempty"`
}

// CreateRequest 创建作业的参数
type CreateRequest struct {
	Name                string // 短名，如 special-send-<session_id>
	Cron                string // 一次性语义的 cron 表达式，如 "24 23 30 8 *"
	TimeZone            string
	URI                 string
	Body                interface{}
	ServiceAccountEmail string
}

// shortName 从完整资源名中取末段
func shortName(full string) string {
	if i := strings.LastIndex(full, "/"); i >= 0 {
		return full[i+1:]
	}
	return full
}

// CreateJob 创建一次性作业。同名作业已存在时先删再建（幂等重试安全）
func (c *Client) CreateJob(ctx context.Context, req CreateRequest) error {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("marshal job body: %w", err)
	}

	job := Job{
		Name:     c.baseURL[strings.Index(c.baseURL, "projects/"):] + "/" + req.Name,
		Schedule: req.Cron,
		TimeZone: req.TimeZone,
	}
	job.HTTPTarget.URI = req.URI
	job.HTTPTarget.HTTPMethod = "POST"
	job.HTTPTarget.Body = base64.StdEncoding.EncodeToString(payload)
	job.HTTPTarget.Headers = map[string]string{"Content-Type": "application/json"}
	if req.ServiceAccountEmail != "" {
		job.HTTPTarget.OidcToken = &OidcToken{
			ServiceAccountEmail: req.ServiceAccountEmail,
			Audience:            c.audience,
		}
	}

	status, body, err := c.do(ctx, "POST", c.baseURL, job)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		if err := c.DeleteJob(ctx, req.Name); err != nil && !errors.Is(err, ErrJobNotFound) {
			return fmt.Errorf("replace existing job %s: %w", req.Name, err)
		}
		status, body, err = c.do(ctx, "POST", c.baseURL, job)
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK {
		return fmt.Errorf("create job %s failed: status=%d body=%s", req.Name, status, body)
	}
	return nil
}

// DeleteJob 删除作业。404 返回 ErrJobNotFound，调用方通常忽略
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	status, body, err := c.do(ctx, "DELETE", c.baseURL+"/"+name, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrJobNotFound
	default:
		return fmt.Errorf("delete job %s failed: status=%d body=%s", name, status, body)
	}
}

// ListJobs 列出短名带前缀的作业（孤儿清理用）
func (c *Client) ListJobs(ctx context.Context, prefix string) ([]string, error) {
	status, body, err := c.do(ctx, "GET", c.baseURL, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list jobs failed: status=%d body=%s", status, body)
	}

	var lr struct {
		Jobs []Job `json:"jobs"`
	}
	if err := json.Unmarshal([]byte(body), &lr); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}

	var names []string
	for _, j := range lr.Jobs {
		name := shortName(j.Name)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload interface{}) (int, string, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, "", fmt.Errorf("marshal scheduler request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, "", fmt.Errorf("create scheduler request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return 0, "", fmt.Errorf("scheduler access token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("scheduler request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), nil
}
