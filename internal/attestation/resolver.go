package attestation

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aspect-build/teegate/internal/logx"
)

// DefaultAPIImage is the repository name of the shade agent API sidecar.
const DefaultAPIImage = "shade-agent-api"

// TCBResolver resolves RTMR3 into the API and app image digests by replaying
// the dstack event log and reading the measured docker compose file.
type TCBResolver struct {
	// APIImage matches the API service by image repository name.
	APIImage string
	// AppService names the app service. When empty the single other pinned
	// service is used.
	AppService string
}

func NewTCBResolver(apiImage, appService string) *TCBResolver {
	if apiImage == "" {
		apiImage = DefaultAPIImage
	}
	return &TCBResolver{APIImage: apiImage, AppService: appService}
}

func (r *TCBResolver) Resolve(report *Report, tcbInfo string) (Codehashes, error) {
	info, err := ParseTCBInfo(tcbInfo)
	if err != nil {
		return Codehashes{}, err
	}

	replayed, err := info.ReplayRTMR(3)
	if err != nil {
		return Codehashes{}, err
	}
	rtmr3 := report.RTMRHex(3)
	if hex.EncodeToString(replayed[:]) != rtmr3 {
		return Codehashes{}, fmt.Errorf("%w: event log replays to %x, quote has rtmr3 %s", ErrResolution, replayed, rtmr3)
	}

	compose, err := info.ComposeFile()
	if err != nil {
		return Codehashes{}, err
	}
	images, err := ParseComposeImages(compose)
	if err != nil {
		return Codehashes{}, err
	}

	var api, app []ServiceImage
	for _, img := range images {
		switch {
		case r.isAPI(img):
			api = append(api, img)
		case r.AppService != "":
			if img.Service == r.AppService {
				app = append(app, img)
			}
		case img.Digest != "":
			app = append(app, img)
		}
	}

	apiHash, err := single(api, "api image "+r.APIImage)
	if err != nil {
		return Codehashes{}, err
	}
	appHash, err := single(app, "app image")
	if err != nil {
		return Codehashes{}, err
	}
	logx.Debugf("attestation.resolve rtmr3=%s api=%s app=%s", rtmr3, apiHash, appHash)
	return Codehashes{API: apiHash, App: appHash}, nil
}

func (r *TCBResolver) isAPI(img ServiceImage) bool {
	return img.Repository == r.APIImage || strings.HasSuffix(img.Repository, "/"+r.APIImage)
}

func single(images []ServiceImage, what string) (string, error) {
	switch len(images) {
	case 0:
		return "", fmt.Errorf("%w: %s not found in docker compose", ErrResolution, what)
	case 1:
		if images[0].Digest == "" {
			return "", fmt.Errorf("%w: %s (service %s) is not pinned by sha256 digest", ErrResolution, what, images[0].Service)
		}
		return images[0].Digest, nil
	default:
		names := make([]string, len(images))
		for i, img := range images {
			names[i] = img.Service
		}
		return "", fmt.Errorf("%w: %s is ambiguous across services %s", ErrResolution, what, strings.Join(names, ", "))
	}
}
