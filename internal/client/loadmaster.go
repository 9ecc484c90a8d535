package client

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/metal-toolbox/lbcfg/internal/configuration"
	"github.com/metal-toolbox/lbcfg/internal/metrics"
	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// access API endpoints
const (
	endpointLicenseInfo     = "licenseinfo"
	endpointReadEULA        = "readeula"
	endpointAcceptEULA      = "accepteula"
	endpointAcceptEULA2     = "accepteula2"
	endpointActivate        = "alicense"
	endpointInitialPassword = "initialpasswd"
	endpointSet             = "set"
	endpointModifyInterface = "modiface"
)

// license states as reported by the appliance
const (
	licenseStateActivated  = "activated"
	licenseStateUnlicensed = "unlicensed"
)

// apiResponse is the XML envelope every access API call answers with. A bad
// or expired magic token answers stat 412; everything else non-200 is a
// transport level failure.
type apiResponse struct {
	XMLName xml.Name `xml:"Response"`
	Stat    int      `xml:"stat,attr"`
	Code    string   `xml:"code,attr"`
	Error   string   `xml:"Error"`
	Data    apiData  `xml:"Success>Data"`
}

type apiData struct {
	LicenseState string `xml:"LicenseState"`
	EULA         string `xml:"Eula"`
	Magic        string `xml:"Magic"`
}

const statSequence = 412

// LoadMaster implements API against the appliance HTTPS access API.
type LoadMaster struct {
	http      *retryablehttp.Client
	queryHTTP *retryablehttp.Client
	logger    *logrus.Logger
	scheme    string
}

var _ API = (*LoadMaster)(nil)

// New builds the API client. Mutating calls are never retried; the read-only
// license query retries up to opts.QueryRetries times since it is idempotent.
func New(opts *configuration.ClientOptions, logger *logrus.Logger) *LoadMaster {
	transport := otelhttp.NewTransport(&http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, // nolint:gosec // factory appliances ship self-signed certs
		},
	})

	newClient := func(retryMax int) *retryablehttp.Client {
		c := retryablehttp.NewClient()
		c.RetryMax = retryMax
		c.Logger = logger
		c.HTTPClient = &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		}

		return c
	}

	return &LoadMaster{
		http:      newClient(0),
		queryHTTP: newClient(opts.QueryRetries),
		logger:    logger,
		scheme:    "https",
	}
}

func (l *LoadMaster) Query(ctx context.Context, conn model.Connection, cred model.Credential) (model.LicenseState, error) {
	resp, err := l.do(ctx, l.queryHTTP, conn, &cred, endpointLicenseInfo, nil)
	if err != nil {
		return "", err
	}

	switch resp.Data.LicenseState {
	case licenseStateActivated:
		return model.LicenseStateLicensed, nil
	case licenseStateUnlicensed:
		return model.LicenseStateUnlicensed, nil
	default:
		return "", errors.Wrapf(model.ErrTransport,
			"%s: unexpected license state %q", conn.Address, resp.Data.LicenseState)
	}
}

func (l *LoadMaster) ReadEULA(ctx context.Context, conn model.Connection) (*EULA, error) {
	resp, err := l.do(ctx, l.http, conn, nil, endpointReadEULA, nil)
	if err != nil {
		return nil, err
	}

	return l.eulaFrom(conn, endpointReadEULA, resp)
}

func (l *LoadMaster) AcceptEULA(ctx context.Context, conn model.Connection, magic string) (*EULA, error) {
	params := url.Values{}
	params.Set("magic", magic)

	resp, err := l.do(ctx, l.http, conn, nil, endpointAcceptEULA, params)
	if err != nil {
		return nil, err
	}

	return l.eulaFrom(conn, endpointAcceptEULA, resp)
}

func (l *LoadMaster) AcceptEULA2(ctx context.Context, conn model.Connection, magic string, accept bool) error {
	params := url.Values{}
	params.Set("magic", magic)
	params.Set("accept", acceptValue(accept))

	_, err := l.do(ctx, l.http, conn, nil, endpointAcceptEULA2, params)

	return err
}

func (l *LoadMaster) ActivateOnline(ctx context.Context, conn model.Connection, kempID, kempPassword string) error {
	params := url.Values{}
	params.Set("kemp_id", kempID)
	params.Set("password", kempPassword)

	_, err := l.do(ctx, l.http, conn, nil, endpointActivate, params)

	return err
}

func (l *LoadMaster) SetInitialPassword(ctx context.Context, conn model.Connection, password string) error {
	params := url.Values{}
	params.Set("passwd", password)

	_, err := l.do(ctx, l.http, conn, nil, endpointInitialPassword, params)

	return err
}

func (l *LoadMaster) SetParameter(ctx context.Context, conn model.Connection, cred model.Credential, name, value string) error {
	params := url.Values{}
	params.Set("param", name)
	params.Set("value", value)

	_, err := l.do(ctx, l.http, conn, &cred, endpointSet, params)

	return err
}

func (l *LoadMaster) SetInterface(ctx context.Context, conn model.Connection, cred model.Credential, interfaceID int, cidr string) error {
	params := url.Values{}
	params.Set("interface", strconv.Itoa(interfaceID))
	params.Set("addr", cidr)

	_, err := l.do(ctx, l.http, conn, &cred, endpointModifyInterface, params)

	return err
}

func (l *LoadMaster) eulaFrom(conn model.Connection, endpoint string, resp *apiResponse) (*EULA, error) {
	if resp.Data.Magic == "" {
		return nil, errors.Wrapf(model.ErrTransport, "%s: %s returned no magic token", conn.Address, endpoint)
	}

	l.logger.WithFields(logrus.Fields{
		"address":  conn.Address,
		"endpoint": endpoint,
		"magic":    resp.Data.Magic,
	}).Debug("EULA received")

	return &EULA{Text: resp.Data.EULA, Magic: resp.Data.Magic}, nil
}

// do issues one GET against the access API and decodes the XML envelope.
// cred is nil for the pre-authentication license and handshake calls.
func (l *LoadMaster) do(ctx context.Context, httpClient *retryablehttp.Client, conn model.Connection, cred *model.Credential, endpoint string, params url.Values) (*apiResponse, error) {
	u := url.URL{
		Scheme:   l.scheme,
		Host:     fmt.Sprintf("%s:%d", conn.Address, conn.Port),
		Path:     "/access/" + endpoint,
		RawQuery: params.Encode(),
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(model.ErrTransport, err.Error())
	}

	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		metrics.APICallErrors.WithLabelValues(endpoint).Inc()
		return nil, errors.Wrapf(model.ErrTransport, "%s %s: %s", conn.Address, endpoint, err.Error())
	}
	defer resp.Body.Close() // nolint:errcheck // response body close error is not actionable

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.APICallErrors.WithLabelValues(endpoint).Inc()
		return nil, errors.Wrapf(model.ErrTransport, "%s %s: reading response: %s", conn.Address, endpoint, err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		metrics.APICallErrors.WithLabelValues(endpoint).Inc()
		return nil, errors.Wrapf(model.ErrTransport, "%s %s: http status %s", conn.Address, endpoint, resp.Status)
	}

	envelope := &apiResponse{}
	if err := xml.Unmarshal(body, envelope); err != nil {
		metrics.APICallErrors.WithLabelValues(endpoint).Inc()
		return nil, errors.Wrapf(model.ErrTransport, "%s %s: decoding response: %s", conn.Address, endpoint, err.Error())
	}

	if envelope.Stat != http.StatusOK {
		metrics.APICallErrors.WithLabelValues(endpoint).Inc()

		kind := model.ErrTransport
		if envelope.Stat == statSequence {
			kind = model.ErrSequence
		}

		return nil, errors.Wrapf(kind, "%s %s: stat %d: %s", conn.Address, endpoint, envelope.Stat, envelope.Error)
	}

	return envelope, nil
}

func acceptValue(accept bool) string {
	if accept {
		return "yes"
	}

	return "no"
}
