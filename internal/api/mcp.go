package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/vidvault/internal/jobs"
	"github.com/kalambet/vidvault/internal/storage"
)

const videoIndexLimit = 100

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service Service
	Version string
}

// NewMCPServer creates an MCP server with the vidvault tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"vidvault",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vidvault downloads short videos with their cover and metadata, and optionally transcribes them. Submit a job, then poll its status."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_video",
			mcp.WithDescription("Queue a video for download, optionally with transcription. Returns the job snapshot."),
			mcp.WithString("video_id", mcp.Description("Numeric video id or share link"), mcp.Required()),
			mcp.WithBoolean("transcribe", mcp.Description("Also produce a transcript")),
			mcp.WithBoolean("force", mcp.Description("Download again even if the video is already stored")),
		),
		mcpSubmitVideo(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return the current snapshot of a job."),
			mcp.WithString("task_id", mcp.Description("Job id returned by submit_video"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_job",
			mcp.WithDescription("Cancel a pending or running job. Finished jobs are returned unchanged."),
			mcp.WithString("task_id", mcp.Description("Job id to cancel"), mcp.Required()),
		),
		mcpCancelJob(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"videos://index",
			"Video Index",
			mcp.WithResourceDescription(fmt.Sprintf("The %d most recently updated stored videos", videoIndexLimit)),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceVideos(deps),
	)

	return s
}

func mcpSubmitVideo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		videoID, err := req.RequireString("video_id")
		if err != nil || videoID == "" {
			return mcpError("video_id is required"), nil
		}

		job, err := deps.Service.Submit(ctx, jobs.SubmitRequest{
			VideoID:    videoID,
			Transcribe: req.GetBool("transcribe", false),
			Force:      req.GetBool("force", false),
		})
		var inFlight *storage.AlreadyInFlightError
		if errors.As(err, &inFlight) {
			return mcpError(fmt.Sprintf("video %s already has job %s in flight; poll that job instead", inFlight.VideoID, inFlight.JobID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcpSnapshot(job), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		job, err := deps.Service.Status(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("status failed: %v", err)), nil
		}
		return mcpSnapshot(job), nil
	}
}

func mcpCancelJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		job, err := deps.Service.Cancel(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return mcpSnapshot(job), nil
	}
}

func mcpResourceVideos(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		videos, err := deps.Service.Videos(ctx, videoIndexLimit, 0)
		if err != nil {
			return nil, errors.Wrap(err, "listing videos")
		}
		if videos == nil {
			videos = []storage.VideoEntry{}
		}

		b, err := json.Marshal(videos)
		if err != nil {
			return nil, errors.Wrap(err, "marshalling videos")
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpSnapshot(job storage.Job) *mcp.CallToolResult {
	b, err := json.Marshal(jobs.NewSnapshot(job))
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal job: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
