package platform

import "github.com/adorevd/prreview/internal/errorkind"

// ClassifyHTTPStatus maps an Azure DevOps REST response status to the
// error taxonomy used across the module: 401/403/404 are permanent,
// 429/5xx/408 are transient, everything else defaults to permanent.
func ClassifyHTTPStatus(status int) errorkind.Kind {
	return errorkind.ClassifyHTTPStatus(status)
}
