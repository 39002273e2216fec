package domain

// NeedResult is what a dependent job sees of one of its direct needs.
type NeedResult struct {
	Result  NodeStatus        `json:"result"`
	Outputs map[string]string `json:"outputs"`
}

// NeedsTable maps needed job names to their aggregated results.
type NeedsTable map[string]NeedResult

// ArtifactUpload is one upload request issued by a running node.
type ArtifactUpload struct {
	Name          string            `json:"name" validate:"required"`
	NodeID        string            `json:"node_id,omitempty"`
	Files         map[string][]byte `json:"files" validate:"required,min=1"`
	RetentionDays int               `json:"retention_days,omitempty" validate:"gte=0"`
	Overwrite     bool              `json:"overwrite,omitempty"`
}

func (u ArtifactUpload) Size() int64 {
	var total int64
	for _, data := range u.Files {
		total += int64(len(data))
	}
	return total
}
