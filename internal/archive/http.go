package archive

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// httpClient talks to the archive gateway sidecar, which hosts the
// proprietary native library and exposes its two calls over JSON. One
// client per tenant, mirroring the SDK's credential-bound handles.
type httpClient struct {
	base     string
	tenantID string
	secret   string
	hc       *http.Client
}

// NewHTTPDialer returns a Dialer that opens gateway-backed clients
// against baseURL.
func NewHTTPDialer(baseURL string) Dialer {
	return func(tenantID, secret string) (Client, error) {
		if tenantID == "" || secret == "" {
			return nil, &CodeError{Code: CodeCredentialMissing, Msg: "missing tenant credentials"}
		}
		return &httpClient{
			base:     baseURL,
			tenantID: tenantID,
			secret:   secret,
			hc:       &http.Client{Timeout: 60 * time.Second},
		}, nil
	}
}

type fetchBatchReq struct {
	CorpID string `json:"corpid"`
	Secret string `json:"secret"`
	Seq    uint64 `json:"seq"`
	Limit  int    `json:"limit"`
}

type fetchBatchResp struct {
	ErrCode int               `json:"errcode"`
	ErrMsg  string            `json:"errmsg"`
	Records []EncryptedRecord `json:"chatdata"`
}

// FetchBatch implements Client.
func (c *httpClient) FetchBatch(ctx context.Context, cursor uint64, pageSize int) (*Batch, error) {
	var resp fetchBatchResp
	err := c.post(ctx, "/chatdata", fetchBatchReq{
		CorpID: c.tenantID,
		Secret: c.secret,
		Seq:    cursor,
		Limit:  pageSize,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ErrCode != 0 {
		return nil, &CodeError{Code: resp.ErrCode, Msg: resp.ErrMsg}
	}
	return &Batch{Records: resp.Records}, nil
}

type fetchChunkReq struct {
	CorpID    string `json:"corpid"`
	Secret    string `json:"secret"`
	SDKFileID string `json:"sdkfileid"`
	Token     string `json:"token,omitempty"`
}

type fetchChunkResp struct {
	ErrCode   int    `json:"errcode"`
	ErrMsg    string `json:"errmsg"`
	Data      string `json:"data"`
	NextToken string `json:"next_token"`
	Finished  bool   `json:"is_finish"`
}

// FetchChunk implements Client.
func (c *httpClient) FetchChunk(ctx context.Context, token, fileRef string) (*Chunk, error) {
	var resp fetchChunkResp
	err := c.post(ctx, "/media", fetchChunkReq{
		CorpID:    c.tenantID,
		Secret:    c.secret,
		SDKFileID: fileRef,
		Token:     token,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ErrCode != 0 {
		return nil, &CodeError{Code: resp.ErrCode, Msg: resp.ErrMsg}
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("archive: chunk payload: %w", err)
	}
	return &Chunk{Data: data, NextToken: resp.NextToken, Final: resp.Finished}, nil
}

// Close implements Client.
func (c *httpClient) Close() error { return nil }

func (c *httpClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.hc.Do(req)
	if err != nil {
		// Transport failures map onto the SDK's generic network code so
		// the caller's routing tables apply unchanged.
		return &CodeError{Code: 10001, Msg: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return &CodeError{Code: 10002, Msg: res.Status}
	}
	return json.NewDecoder(res.Body).Decode(out)
}
