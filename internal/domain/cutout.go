package domain

// CutoutRequest asks the cutout service to trim every record of one product
// group to the target's position, radius and band.
type CutoutRequest struct {
	ObsID   string
	Kind    ProductKind
	Records []CatalogRecord
	Target  Target
}

// DownloadedFile describes one artifact written to the output directory.
type DownloadedFile struct {
	URL    string
	Path   string
	Bytes  int64
	SHA256 string
}
