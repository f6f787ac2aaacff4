package attestation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ServiceImage is one service of a docker compose file. Digest is empty when
// the image is not pinned by sha256.
type ServiceImage struct {
	Service    string
	Repository string
	Digest     string
}

type composeDoc struct {
	Services yaml.MapSlice `yaml:"services"`
}

// ParseComposeImages lists service images in file order.
func ParseComposeImages(doc string) ([]ServiceImage, error) {
	var cd composeDoc
	if err := yaml.Unmarshal([]byte(doc), &cd); err != nil {
		return nil, fmt.Errorf("%w: decode docker compose: %v", ErrResolution, err)
	}
	if len(cd.Services) == 0 {
		return nil, fmt.Errorf("%w: docker compose has no services", ErrResolution)
	}

	images := make([]ServiceImage, 0, len(cd.Services))
	for _, item := range cd.Services {
		name := fmt.Sprint(item.Key)
		image, ok := serviceField(item.Value, "image")
		if !ok {
			continue
		}
		si, err := parseImageRef(image)
		if err != nil {
			return nil, fmt.Errorf("%w: service %s: %v", ErrResolution, name, err)
		}
		si.Service = name
		images = append(images, si)
	}
	return images, nil
}

func serviceField(v any, key string) (string, bool) {
	switch m := v.(type) {
	case map[string]any:
		s, ok := m[key].(string)
		return s, ok
	case map[any]any:
		s, ok := m[key].(string)
		return s, ok
	case yaml.MapSlice:
		for _, it := range m {
			if fmt.Sprint(it.Key) == key {
				s, ok := it.Value.(string)
				return s, ok
			}
		}
	}
	return "", false
}

// parseImageRef splits repo[:tag][@sha256:<hex>].
func parseImageRef(ref string) (ServiceImage, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ServiceImage{}, fmt.Errorf("empty image reference")
	}
	repo, digest, pinned := strings.Cut(ref, "@")
	if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
		repo = repo[:i]
	}
	si := ServiceImage{Repository: repo}
	if !pinned {
		return si, nil
	}
	algo, sum, ok := strings.Cut(digest, ":")
	if !ok || algo != "sha256" {
		return si, fmt.Errorf("unsupported digest %q", digest)
	}
	sum = strings.ToLower(sum)
	if !digestPattern.MatchString(sum) {
		return si, fmt.Errorf("malformed sha256 digest %q", sum)
	}
	si.Digest = sum
	return si, nil
}
