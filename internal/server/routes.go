package server

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/bleepfs/internal/chunk"
	"github.com/bleepstore/bleepfs/internal/storage"
	"github.com/bleepstore/bleepfs/internal/uid"
)

// PathInput selects one file or folder.
type PathInput struct {
	Path string `query:"path" doc:"File or folder path, '/' separated"`
}

// ListInput selects a folder listing.
type ListInput struct {
	Path      string `query:"path" doc:"Folder path; empty for the root"`
	Recursive bool   `query:"recursive" doc:"Include every descendant"`
}

// EntryOutput wraps one directory entry.
type EntryOutput struct {
	Body storage.DirectoryEntry
}

// ListOutput wraps a folder listing.
type ListOutput struct {
	Body struct {
		Path    string                   `json:"path"`
		Entries []storage.DirectoryEntry `json:"entries"`
	}
}

// ExistsOutput reports whether a path exists.
type ExistsOutput struct {
	Body struct {
		Path   string `json:"path"`
		Exists bool   `json:"exists"`
	}
}

// WriteInput carries a whole file body.
type WriteInput struct {
	Path        string `query:"path" required:"true" doc:"Destination file path"`
	ContentType string `header:"Content-Type"`
	RawBody     []byte
}

// TransferInput names the source and destination of a copy or move.
type TransferInput struct {
	Body struct {
		Source      string `json:"source" minLength:"1" doc:"Existing file or folder"`
		Destination string `json:"destination" minLength:"1" doc:"New path"`
	}
}

// FolderInput names a folder to create.
type FolderInput struct {
	Body struct {
		Path string `json:"path" minLength:"1"`
	}
}

func (s *Server) registerFileRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/v1/entries",
		Summary:     "List a folder",
		Tags:        []string{"Files"},
	}, func(ctx context.Context, in *ListInput) (*ListOutput, error) {
		entries, err := s.store.List(ctx, in.Path, in.Recursive)
		if err != nil {
			return nil, apiError(s.logger, "list", err)
		}
		out := &ListOutput{}
		out.Body.Path = in.Path
		out.Body.Entries = entries
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-metadata",
		Method:      http.MethodGet,
		Path:        "/v1/metadata",
		Summary:     "Get file or folder metadata",
		Tags:        []string{"Files"},
	}, func(ctx context.Context, in *PathInput) (*EntryOutput, error) {
		e, err := s.store.GetMetadata(ctx, in.Path)
		if err != nil {
			return nil, apiError(s.logger, "get_metadata", err)
		}
		return &EntryOutput{Body: e}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "check-exists",
		Method:      http.MethodGet,
		Path:        "/v1/exists",
		Summary:     "Check whether a file or folder exists",
		Tags:        []string{"Files"},
	}, func(ctx context.Context, in *PathInput) (*ExistsOutput, error) {
		ok, err := s.store.Exists(ctx, in.Path)
		if err != nil {
			return nil, apiError(s.logger, "exists", err)
		}
		out := &ExistsOutput{}
		out.Body.Path = in.Path
		out.Body.Exists = ok
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "read-file",
		Method:      http.MethodGet,
		Path:        "/v1/files",
		Summary:     "Download a file",
		Tags:        []string{"Files"},
	}, func(ctx context.Context, in *PathInput) (*huma.StreamResponse, error) {
		rc, e, err := s.store.Read(ctx, in.Path)
		if err != nil {
			return nil, apiError(s.logger, "read", err)
		}
		return &huma.StreamResponse{
			Body: func(hctx huma.Context) {
				defer rc.Close()
				hctx.SetHeader("Content-Type", e.ContentType)
				hctx.SetHeader("Content-Length", strconv.FormatInt(e.SizeBytes, 10))
				if e.ETag != "" {
					hctx.SetHeader("ETag", e.ETag)
				}
				if !e.Modified.IsZero() {
					hctx.SetHeader("Last-Modified", e.Modified.UTC().Format(http.TimeFormat))
				}
				hctx.SetStatus(http.StatusOK)
				if _, err := io.Copy(hctx.BodyWriter(), rc); err != nil {
					s.logger.Warn("streaming file failed", "path", e.Path, "error", err)
				}
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "write-file",
		Method:        http.MethodPut,
		Path:          "/v1/files",
		Summary:       "Upload a whole file",
		Tags:          []string{"Files"},
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  s.cfg.Server.MaxUploadSize,
	}, func(ctx context.Context, in *WriteInput) (*EntryOutput, error) {
		e, err := s.store.Write(ctx, in.Path, in.RawBody, in.ContentType)
		if err != nil {
			return nil, apiError(s.logger, "write", err)
		}
		return &EntryOutput{Body: e}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-file",
		Method:        http.MethodDelete,
		Path:          "/v1/files",
		Summary:       "Delete a file",
		Tags:          []string{"Files"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *PathInput) (*struct{}, error) {
		if err := s.store.Delete(ctx, in.Path); err != nil {
			return nil, apiError(s.logger, "delete", err)
		}
		return nil, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "copy",
		Method:        http.MethodPost,
		Path:          "/v1/copy",
		Summary:       "Copy a file or folder",
		Description:   "Folder copies are not atomic; a partial failure returns 207 with a per-path report.",
		Tags:          []string{"Files"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *TransferInput) (*struct{}, error) {
		if err := s.store.Copy(ctx, in.Body.Source, in.Body.Destination); err != nil {
			return nil, apiError(s.logger, "copy", err)
		}
		return nil, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "move",
		Method:        http.MethodPost,
		Path:          "/v1/move",
		Summary:       "Move a file or folder",
		Description:   "Folder moves are not atomic; a partial failure returns 207 with a per-path report.",
		Tags:          []string{"Files"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *TransferInput) (*struct{}, error) {
		if err := s.store.Move(ctx, in.Body.Source, in.Body.Destination); err != nil {
			return nil, apiError(s.logger, "move", err)
		}
		return nil, nil
	})
}

func (s *Server) registerFolderRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "create-folder",
		Method:        http.MethodPost,
		Path:          "/v1/folders",
		Summary:       "Create an empty folder",
		Tags:          []string{"Folders"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *FolderInput) (*EntryOutput, error) {
		e, err := s.store.CreateFolder(ctx, in.Body.Path)
		if err != nil {
			return nil, apiError(s.logger, "create_folder", err)
		}
		return &EntryOutput{Body: e}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-folder",
		Method:        http.MethodDelete,
		Path:          "/v1/folders",
		Summary:       "Delete a folder and everything below it",
		Tags:          []string{"Folders"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *PathInput) (*struct{}, error) {
		if err := s.store.DeleteFolder(ctx, in.Path); err != nil {
			return nil, apiError(s.logger, "delete_folder", err)
		}
		return nil, nil
	})
}

// ChunkInput carries one chunk of a multi-part upload.
type ChunkInput struct {
	UploadID      string `path:"uploadId"`
	Index         int    `path:"index" minimum:"0"`
	Path          string `query:"path" required:"true" doc:"Destination file path"`
	TotalChunks   int    `query:"totalChunks" required:"true" minimum:"1"`
	TotalFileSize int64  `query:"totalFileSizeBytes" minimum:"0"`
	ContentType   string `query:"contentType" doc:"Content type of the assembled file"`
	RawBody       []byte
}

// UploadIDInput names an upload session.
type UploadIDInput struct {
	UploadID string `path:"uploadId"`
}

// ChunkOutput reports upload progress.
type ChunkOutput struct {
	Body storage.ChunkResult
}

// UploadInfoOutput describes a live upload session.
type UploadInfoOutput struct {
	Body struct {
		UploadID     string `json:"uploadId"`
		RelativePath string `json:"relativePath"`
		State        string `json:"state"`
		Received     int    `json:"received"`
		Total        int    `json:"total"`
	}
}

// NewUploadOutput carries a fresh upload id.
type NewUploadOutput struct {
	Body struct {
		UploadID string `json:"uploadId"`
	}
}

func (s *Server) registerUploadRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "new-upload",
		Method:        http.MethodPost,
		Path:          "/v1/uploads",
		Summary:       "Issue an upload id",
		Description:   "Clients may also choose their own id; the session is created by its first chunk.",
		Tags:          []string{"Uploads"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct{}) (*NewUploadOutput, error) {
		out := &NewUploadOutput{}
		out.Body.UploadID = uid.New()
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:  "put-chunk",
		Method:       http.MethodPut,
		Path:         "/v1/uploads/{uploadId}/chunks/{index}",
		Summary:      "Upload one chunk",
		Description:  "The file is written once every chunk has arrived; chunks may arrive in any order.",
		Tags:         []string{"Uploads"},
		MaxBodyBytes: s.cfg.Server.MaxUploadSize,
	}, func(ctx context.Context, in *ChunkInput) (*ChunkOutput, error) {
		d := chunk.Descriptor{
			UploadID:      in.UploadID,
			RelativePath:  in.Path,
			ContentType:   in.ContentType,
			ChunkIndex:    in.Index,
			TotalChunks:   in.TotalChunks,
			TotalFileSize: in.TotalFileSize,
		}
		res, err := s.store.WriteChunk(ctx, d, in.RawBody)
		if err != nil {
			return nil, apiError(s.logger, "write_chunk", err)
		}
		return &ChunkOutput{Body: res}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-upload",
		Method:      http.MethodGet,
		Path:        "/v1/uploads/{uploadId}",
		Summary:     "Get upload progress",
		Tags:        []string{"Uploads"},
	}, func(ctx context.Context, in *UploadIDInput) (*UploadInfoOutput, error) {
		info, ok := s.store.Uploads().Lookup(in.UploadID)
		if !ok {
			return nil, huma.Error404NotFound("upload " + in.UploadID + " does not exist")
		}
		out := &UploadInfoOutput{}
		out.Body.UploadID = info.UploadID
		out.Body.RelativePath = info.RelativePath
		out.Body.State = info.State.String()
		out.Body.Received = info.Received
		out.Body.Total = info.Total
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "retry-upload",
		Method:      http.MethodPost,
		Path:        "/v1/uploads/{uploadId}/retry",
		Summary:     "Retry the final write of a complete upload",
		Tags:        []string{"Uploads"},
	}, func(ctx context.Context, in *UploadIDInput) (*ChunkOutput, error) {
		res, err := s.store.RetryUpload(ctx, in.UploadID)
		if err != nil {
			return nil, apiError(s.logger, "retry_upload", err)
		}
		return &ChunkOutput{Body: res}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "abandon-upload",
		Method:        http.MethodDelete,
		Path:          "/v1/uploads/{uploadId}",
		Summary:       "Cancel an upload",
		Tags:          []string{"Uploads"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *UploadIDInput) (*struct{}, error) {
		if err := s.store.AbandonUpload(in.UploadID); err != nil {
			return nil, apiError(s.logger, "abandon_upload", err)
		}
		return nil, nil
	})
}

// WebsiteInput toggles static website hosting.
type WebsiteInput struct {
	Body struct {
		Enabled bool `json:"enabled"`
	}
}

func (s *Server) registerWebsiteRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "set-static-website",
		Method:        http.MethodPut,
		Path:          "/v1/website",
		Summary:       "Enable or disable static website hosting",
		Description:   "Only available for flat-blob storage authenticated with an account key.",
		Tags:          []string{"Website"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *WebsiteInput) (*struct{}, error) {
		if err := s.store.SetStaticWebsite(ctx, in.Body.Enabled); err != nil {
			return nil, apiError(s.logger, "set_static_website", err)
		}
		return nil, nil
	})
}
