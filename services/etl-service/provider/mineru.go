package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
	"github.com/sirupsen/logrus"
)

// Parser turns a readable file URL into markdown.
type Parser interface {
	Parse(ctx context.Context, fileURL string) (markdown string, providerTaskID string, err error)
}

var ErrProviderFailed = errors.New("parsing provider failed")

// MinerUClient 调用 MinerU 云端解析 API：提交任务 -> 轮询 -> 下载 zip 中的 markdown
type MinerUClient struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	pollTimeout  time.Duration
	httpClient   *http.Client
	logger       *logrus.Logger
}

func NewMinerUClient(cfg config.MinerUConfig, logger *logrus.Logger) *MinerUClient {
	interval := cfg.PollInterval()
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &MinerUClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		pollInterval: interval,
		pollTimeout:  cfg.PollTimeout(),
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		logger:       logger,
	}
}

type mineruEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type mineruSubmitData struct {
	TaskID string `json:"task_id"`
}

type mineruTaskData struct {
	TaskID     string `json:"task_id"`
	State      string `json:"state"` // pending | running | converting | done | failed
	FullZipURL string `json:"full_zip_url"`
	ErrMsg     string `json:"err_msg"`
}

func (c *MinerUClient) Parse(ctx context.Context, fileURL string) (string, string, error) {
	start := time.Now()
	taskID, err := c.submit(ctx, fileURL)
	if err != nil {
		return "", "", err
	}
	log := c.logger.WithField("provider_task_id", taskID)
	log.Info("mineru task submitted")

	if c.pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.pollTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		st, err := c.status(ctx, taskID)
		if err != nil {
			return "", taskID, err
		}
		switch st.State {
		case "done":
			md, err := c.fetchMarkdown(ctx, st.FullZipURL)
			if err != nil {
				return "", taskID, err
			}
			log.WithField("elapsed_ms", time.Since(start).Milliseconds()).Info("mineru task done")
			return md, taskID, nil
		case "failed":
			return "", taskID, fmt.Errorf("%w: %s", ErrProviderFailed, st.ErrMsg)
		}

		select {
		case <-ctx.Done():
			return "", taskID, fmt.Errorf("mineru task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *MinerUClient) submit(ctx context.Context, fileURL string) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"url":            fileURL,
		"is_ocr":         true,
		"enable_formula": false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract/task", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var data mineruSubmitData
	if err := c.do(req, &data); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("%w: empty task id", ErrProviderFailed)
	}
	return data.TaskID, nil
}

func (c *MinerUClient) status(ctx context.Context, taskID string) (*mineruTaskData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/extract/task/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	var data mineruTaskData
	if err := c.do(req, &data); err != nil {
		return nil, fmt.Errorf("status %s: %w", taskID, err)
	}
	return &data, nil
}

func (c *MinerUClient) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http %d: %s", ErrProviderFailed, resp.StatusCode, string(raw))
	}
	var env mineruEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode resp: %v; raw=%s", err, string(raw))
	}
	if env.Code != 0 {
		return fmt.Errorf("%w: code %d: %s", ErrProviderFailed, env.Code, env.Msg)
	}
	return json.Unmarshal(env.Data, out)
}

// fetchMarkdown 下载结果 zip，优先取 full.md，否则取第一个 .md 文件
func (c *MinerUClient) fetchMarkdown(ctx context.Context, zipURL string) (string, error) {
	if zipURL == "" {
		return "", fmt.Errorf("%w: result has no archive", ErrProviderFailed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("download archive: http status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	var fallback *zip.File
	for _, f := range zr.File {
		if path.Base(f.Name) == "full.md" {
			return readZipFile(f)
		}
		if fallback == nil && strings.HasSuffix(strings.ToLower(f.Name), ".md") {
			fallback = f
		}
	}
	if fallback == nil {
		return "", fmt.Errorf("%w: archive contains no markdown", ErrProviderFailed)
	}
	return readZipFile(fallback)
}

func readZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
