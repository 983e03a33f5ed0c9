package handlers

import (
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/models"
	"karen/internal/services"
)

// TrainingHandler handles dataset uploads, fine-tuning jobs and schedules
type TrainingHandler struct {
	training *services.TrainingService
}

// NewTrainingHandler creates a new training handler
func NewTrainingHandler(training *services.TrainingService) *TrainingHandler {
	return &TrainingHandler{training: training}
}

// --- Datasets ---

// UploadDataset stores a multipart dataset file
func (h *TrainingHandler) UploadDataset(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return apierrors.Validation("Invalid upload", map[string]any{"file": "a multipart 'file' field is required"})
	}

	name := strings.TrimSpace(c.FormValue("name"))
	if name == "" {
		name = fileHeader.Filename
	}

	file, err := fileHeader.Open()
	if err != nil {
		return apierrors.New(apierrors.CodeValidation, "Cannot read uploaded file")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return apierrors.New(apierrors.CodeValidation, "Cannot read uploaded file")
	}

	dataset, err := h.training.SaveDataset(c.Context(), userID, name, fileHeader.Filename, data)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(dataset)
}

// ListDatasets returns the user's datasets
func (h *TrainingHandler) ListDatasets(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	datasets, err := h.training.ListDatasets(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"datasets": datasets, "count": len(datasets)})
}

// GetDataset returns one dataset
func (h *TrainingHandler) GetDataset(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	dataset, err := h.training.GetDataset(c.Context(), userID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(dataset)
}

// DeleteDataset removes a dataset unless an active job references it
func (h *TrainingHandler) DeleteDataset(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	if err := h.training.DeleteDataset(c.Context(), userID, c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": true})
}

// --- Jobs ---

// CreateJob queues a fine-tuning run
func (h *TrainingHandler) CreateJob(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.CreateTrainingJobRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	job, err := h.training.CreateJob(c.Context(), userID, &req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(job)
}

// ListJobs returns the user's fine-tuning runs, newest first
func (h *TrainingHandler) ListJobs(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	jobs, err := h.training.ListJobs(c.Context(), userID, c.QueryInt("limit", 20))
	if err != nil {
		return err
	}
	return c.JSON(models.TrainingJobListResponse{Jobs: jobs, Count: len(jobs)})
}

// GetJob returns one job with its live progress
func (h *TrainingHandler) GetJob(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	job, err := h.training.GetJob(c.Context(), userID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(job)
}

// CancelJob stops a queued or running job
func (h *TrainingHandler) CancelJob(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	job, err := h.training.CancelJob(c.Context(), userID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(job)
}

// --- Schedules ---

// CreateSchedule registers a recurring fine-tuning run
func (h *TrainingHandler) CreateSchedule(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.CreateTrainingScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	schedule, err := h.training.CreateSchedule(c.Context(), userID, &req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(schedule)
}

// ListSchedules returns the user's schedules
func (h *TrainingHandler) ListSchedules(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	schedules, err := h.training.ListSchedules(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"schedules": schedules, "count": len(schedules)})
}

// SetScheduleEnabled pauses or resumes a schedule
func (h *TrainingHandler) SetScheduleEnabled(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	if err := h.training.SetScheduleEnabled(c.Context(), userID, c.Params("id"), body.Enabled); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"enabled": body.Enabled})
}

// DeleteSchedule removes a schedule
func (h *TrainingHandler) DeleteSchedule(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	if err := h.training.DeleteSchedule(c.Context(), userID, c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": true})
}
