package store

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/dmorgan81/pixelminer/internal/httpx"
	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/samber/do"
	"github.com/samber/lo"
)

const CloudflareBaseURL = "https://api.cloudflare.com/client/v4"

type cloudflareError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cloudflareResponse struct {
	Success bool              `json:"success"`
	Errors  []cloudflareError `json:"errors"`
	Result  struct {
		ID       string   `json:"id"`
		Variants []string `json:"variants"`
	} `json:"result"`
}

func (r cloudflareResponse) messages() []string {
	return lo.Map(r.Errors, func(e cloudflareError, _ int) string {
		return fmt.Sprintf("%d: %s", e.Code, e.Message)
	})
}

// CloudflareStager stages images through Cloudflare Images.
type CloudflareStager struct {
	Client    *http.Client
	BaseURL   string
	AccountID string
	Token     string
}

func NewCloudflareStager(i *do.Injector) (Stager, error) {
	return &CloudflareStager{
		Client:    do.MustInvoke[*http.Client](i),
		BaseURL:   CloudflareBaseURL,
		AccountID: do.MustInvokeNamed[string](i, "cloudflare_account_id"),
		Token:     do.MustInvokeNamed[string](i, "cloudflare_api_token"),
	}, nil
}

func (s *CloudflareStager) imagesURL() string {
	return fmt.Sprintf("%s/accounts/%s/images/v1", s.BaseURL, s.AccountID)
}

func (s *CloudflareStager) Stage(ctx context.Context, params UploadParams) (Staged, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("cloudflare").With("name", params.Name)
	log.Info("staging image")

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, params.Name))
	header.Set("Content-Type", lo.Ternary(params.ContentType != "", params.ContentType, "image/png"))
	part, err := form.CreatePart(header)
	if err != nil {
		return Staged{}, err
	}
	if _, err := part.Write(params.Data); err != nil {
		return Staged{}, err
	}
	if err := form.Close(); err != nil {
		return Staged{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.imagesURL(), &body)
	if err != nil {
		return Staged{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	out, err := s.do(req, "upload")
	if err != nil {
		return Staged{}, err
	}
	if !out.Success || len(out.Result.Variants) == 0 {
		return Staged{}, &StagingError{Provider: "cloudflare", Op: "upload", Errors: out.messages()}
	}

	staged := Staged{URL: out.Result.Variants[0], ID: out.Result.ID}
	log.Info("staged image", "id", staged.ID, "url", staged.URL)
	return staged, nil
}

func (s *CloudflareStager) Unstage(ctx context.Context, id string) (bool, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("cloudflare").With("id", id)
	log.Info("deleting staged image")

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.imagesURL()+"/"+id, nil)
	if err != nil {
		return false, err
	}

	out, err := s.do(req, "delete")
	if err != nil {
		return false, err
	}
	if !out.Success {
		log.Warn("cloudflare refused delete", "errors", out.messages())
	}
	return out.Success, nil
}

// do sends an authorized request and decodes the envelope. Cloudflare answers
// failures with a JSON envelope too, so the status code is not checked first.
func (s *CloudflareStager) do(req *http.Request, op string) (cloudflareResponse, error) {
	req.Header.Set("Authorization", "Bearer "+s.Token)

	resp, err := httpx.Do(s.Client, req)
	if err != nil {
		return cloudflareResponse{}, err
	}
	defer resp.Body.Close()

	var out cloudflareResponse
	if err := httpx.DecodeJSON(resp, &out); err != nil {
		return cloudflareResponse{}, &StagingError{Provider: "cloudflare", Op: op, Err: err}
	}
	return out, nil
}
