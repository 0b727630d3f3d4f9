package builtin

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
)

const defaultVisionPrompt = "Describe this image in detail."

// VisionAnalyzer is implemented by LLM providers with vision-capable models.
type VisionAnalyzer interface {
	AnalyzeImage(ctx context.Context, prompt, imageBase64, model string) (string, error)
}

// ImageAnalyzer describes image content with a vision model. It accepts a
// local path (the output of download or screenshot) or inline base64 data.
type ImageAnalyzer struct {
	Vision VisionAnalyzer
	Model  string
}

func (t *ImageAnalyzer) Name() string { return "image_analyzer" }

func (t *ImageAnalyzer) Description() string {
	return `analyze what an image shows using a vision model. Usage: image_analyzer path=/path/to/image [, prompt="what to look for"] or image_analyzer image_base64="...".`
}

func (t *ImageAnalyzer) Call(ctx context.Context, input string) (string, error) {
	params := parseParams(input, "path")
	prompt := params["prompt"]
	if prompt == "" {
		prompt = defaultVisionPrompt
	}

	imageB64 := params["image_base64"]
	srcPath := params["path"]
	if imageB64 == "" && srcPath != "" {
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return failed(fmt.Sprintf("cannot read image %s: %v", srcPath, err), map[string]any{
				"error_type":  "file_not_found",
				"path":        srcPath,
				"suggestions": []string{"check the path returned by download or screenshot"},
			}), nil
		}
		imageB64 = base64.StdEncoding.EncodeToString(data)
	}
	if imageB64 == "" {
		return failed("missing image data", map[string]any{
			"error_type":  "missing_image_data",
			"suggestions": []string{"provide path=... from a download or screenshot result", `or image_base64="..." inline`},
		}), nil
	}

	if t.Vision == nil || t.Model == "" {
		return failed("vision model unavailable", map[string]any{
			"error_type":  "vision_unavailable",
			"suggestions": []string{"configure llm.routing.vision with a vision-capable model"},
		}), nil
	}

	analysis, err := t.Vision.AnalyzeImage(ctx, prompt, imageB64, t.Model)
	if err != nil {
		return failed(fmt.Sprintf("image analysis failed: %v", err), map[string]any{
			"error_type":  "vlm_error",
			"suggestions": []string{"retry later", "verify the vision model configuration"},
		}), nil
	}

	details := map[string]any{
		"analysis": analysis,
		"model":    t.Model,
	}
	if srcPath != "" {
		details["source_path"] = srcPath
	}
	return success("image analyzed", details), nil
}
