package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Noofbiz/cces/datasets"
	"github.com/Noofbiz/cces/models"
	"github.com/Noofbiz/cces/predictor"
	"github.com/gin-gonic/gin"
)

type handlers struct {
	modelDir string
	unit     string
}

// coordinate accepts a JSON number or string and keeps its text, so the
// predictor applies the same parsing as for typed-in values.
type coordinate string

func (c *coordinate) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = coordinate(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = coordinate(n.String())
	return nil
}

type predictRequest struct {
	Architecture string     `json:"architecture"`
	L            coordinate `json:"l"`
	A            coordinate `json:"a"`
	B            coordinate `json:"b"`
}

type predictResponse struct {
	Architecture models.Architecture `json:"architecture"`
	Prediction   float64             `json:"prediction"`
	Unit         string              `json:"unit"`
	Display      string              `json:"display"`
}

func (h *handlers) predict(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(&apiError{StatusCode: http.StatusBadRequest, Message: predictor.ErrInvalidInput.Error()})
		return
	}
	arch, err := models.ParseArchitecture(req.Architecture)
	if err != nil || arch == models.Auto {
		c.Error(&apiError{StatusCode: http.StatusBadRequest, Message: "architecture must be cnn or lstm"})
		return
	}

	res, err := predictor.Single(predictor.SingleOptions{
		Arch:      arch,
		ModelPath: filepath.Join(h.modelDir, arch.ModelFile()),
		L:         string(req.L),
		A:         string(req.A),
		B:         string(req.B),
	})
	switch {
	case err == nil:
	case errors.Is(err, predictor.ErrInvalidInput):
		c.Error(&apiError{StatusCode: http.StatusBadRequest, Message: err.Error()})
		return
	case errors.Is(err, os.ErrNotExist):
		c.Error(&apiError{StatusCode: http.StatusNotFound, Message: "no " + arch.Label() + " model available"})
		return
	case errors.Is(err, models.ErrArchitectureMismatch):
		c.Error(&apiError{StatusCode: http.StatusConflict, Message: err.Error()})
		return
	default:
		c.Error(err)
		return
	}

	unit := h.unit
	if unit == "" {
		unit = datasets.DefaultUnit
	}
	c.JSON(http.StatusOK, predictResponse{
		Architecture: res.Arch,
		Prediction:   res.Value,
		Unit:         unit,
		Display:      res.Display(unit),
	})
}

func (h *handlers) models(c *gin.Context) {
	found := make([]*models.Descriptor, 0, len(models.Architectures))
	for _, arch := range models.Architectures {
		d, err := models.ReadDescriptor(filepath.Join(h.modelDir, arch.DescriptorFile()))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			c.Error(err)
			return
		}
		found = append(found, d)
	}
	c.JSON(http.StatusOK, gin.H{"models": found})
}
