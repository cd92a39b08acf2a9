package gcp

import (
	"context"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// --- Extraction Model Prompts ---
const ExtractorSystemPrompt = "You are a highly accurate research paper document extraction model. Your task is to extract content from PDFs while maintaining the original structure and formatting. When you encounter a plot or image, do not include any URLs or HTML tags. Instead, extract both the original title and description from the PDF, and generate a detailed description. Ensure the content is unaltered and free of unnecessary code."
const ExtractorUserPrompt = `Extract the following information from the provided PDF and structure it as a JSON object with the following keys: 'title', 'authors', 'abstract', 'sections', and 'images'.

- The 'sections' key should contain a dictionary where the keys are the section headings (without any numbers) and the values are the corresponding text content.
- The 'References' key should be included in the 'sections' key and contain a list of objects where each object represents a referenced paper. Each reference object should include the title, authors, and a citation formatted as: "Authors. (Year). Title of the paper. Journal Name (if available), Volume(Issue), Pages."
- Include the images in the 'images' key, which should be structured as a dictionary. Each image or table should have an 'image_desc' (description) and 'image_location' (location within the document, e.g., Figure 1, Table 2).
- Do not include any URLs or HTML tags. Ensure the content is unaltered and free of unnecessary code. Provide only the JSON output without any additional text or explanations.

The final output JSON should strictly follow the form below:

{
  "data": {
    "title": "Example Title",
    "authors": "Author 1, Author 2, Author 3",
    "abstract": "Abstract text goes here.",
    "sections": {
      "Section 1 Title": "Section 1 content...",
      "Section 2 Title": "Section 2 content...",
      "References": [
        {
          "title": "Paper Title",
          "authors": "Author A, Author B",
          "citation": "Author A, Author B. (Year). Paper Title. Journal Name, Volume(Issue), Pages."
        }
      ]
    },
    "images": {
      "image_1": {
        "image_desc": "Description of image 1.",
        "image_location": "Figure 1"
      },
      "image_2": {
        "image_desc": "Description of image 2.",
        "image_location": "Figure 2"
      }
    }
  }
}`

// VertexClient holds the pre-configured extraction model.
type VertexClient struct {
	ExtractorModel *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewVertexClient creates a new client holding the extraction model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, eris.New("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, eris.Wrap(err, "genai.NewClient")
	}

	extractorModel := baseClient.GenerativeModel(modelName)
	extractorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractorSystemPrompt)},
	}
	extractorModel.GenerationConfig = genai.GenerationConfig{
		// The normalizer expects a single JSON object.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.5),
		TopP:             genai.Ptr[float32](0.95),
		TopK:             genai.Ptr[int32](64),
		MaxOutputTokens:  genai.Ptr[int32](8192),
	}

	return &VertexClient{
		ExtractorModel: extractorModel,
		baseClient:     baseClient,
	}, nil
}

// Extract submits one PDF with the fixed instruction and returns the raw text answer.
// A gs:// uri is passed by reference, anything else is sent inline.
func (c *VertexClient) Extract(ctx context.Context, documentID string, pdf []byte, uri string) (string, error) {
	var filePart genai.Part
	if strings.HasPrefix(uri, "gs://") {
		filePart = genai.FileData{MIMEType: "application/pdf", FileURI: uri}
	} else {
		filePart = genai.Blob{MIMEType: "application/pdf", Data: pdf}
	}

	resp, err := c.ExtractorModel.GenerateContent(ctx, filePart, genai.Text(ExtractorUserPrompt))
	if err != nil {
		return "", eris.Wrap(err, "failed to generate content from gemini")
	}
	return responseText(resp, documentID), nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse, documentID string) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var content strings.Builder
	var textPartsFound int
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			content.WriteString(string(txt))
			textPartsFound++
		}
	}
	if textPartsFound > 1 {
		zap.L().Warn("Gemini response contained several text parts; they have been concatenated.",
			zap.String("documentId", documentID),
			zap.Int("textParts", textPartsFound),
		)
	}
	return content.String()
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
