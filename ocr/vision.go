package ocr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"
)

// VisionEngine calls Google Cloud Vision DOCUMENT_TEXT_DETECTION.
type VisionEngine struct {
	client        *vision.ImageAnnotatorClient
	languageHints []string
}

// NewVisionEngine returns an error when no credentials are configured, so callers can
// leave the cloud engine out of the strategy list.
func NewVisionEngine(ctx context.Context, credentialsPath, credentialsJSON string, languageHints ...string) (*VisionEngine, error) {
	var opts []option.ClientOption
	switch {
	case strings.TrimSpace(credentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	case strings.TrimSpace(credentialsPath) != "":
		if _, err := os.Stat(credentialsPath); err != nil {
			return nil, fmt.Errorf("vision credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	default:
		return nil, errors.New("vision credentials are not configured")
	}

	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionEngine{client: client, languageHints: languageHints}, nil
}

func (e *VisionEngine) Name() string { return "vision" }

func (e *VisionEngine) Recognize(ctx context.Context, image []byte) (string, error) {
	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: image},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			ImageContext: &visionpb.ImageContext{
				LanguageHints: e.languageHints,
			},
		}},
	}
	resp, err := e.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return "", fmt.Errorf("annotate: %w", err)
	}
	if len(resp.GetResponses()) == 0 {
		return "", nil
	}
	r := resp.GetResponses()[0]
	if r.GetError() != nil && r.GetError().GetMessage() != "" {
		return "", fmt.Errorf("annotate: %s", r.GetError().GetMessage())
	}
	return r.GetFullTextAnnotation().GetText(), nil
}

func (e *VisionEngine) Close() error {
	return e.client.Close()
}

var visionLanguageCodes = map[string]string{
	"vie": "vi",
	"eng": "en",
}

// VisionLanguageHints maps tesseract language codes to the BCP-47 hints Vision expects.
func VisionLanguageHints(languages []string) []string {
	out := make([]string, 0, len(languages))
	for _, l := range languages {
		if code, ok := visionLanguageCodes[l]; ok {
			out = append(out, code)
			continue
		}
		out = append(out, l)
	}
	return out
}
