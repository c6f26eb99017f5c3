package translator

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"sort"
	"strconv"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vyrodovalexey/enforcer/internal/apierror"
	"github.com/vyrodovalexey/enforcer/internal/decision"
	"github.com/vyrodovalexey/enforcer/internal/route"
)

// Header and metadata names used in responses.
const (
	HeaderPath            = ":path"
	HeaderContentType     = "content-type"
	HeaderWWWAuthenticate = "www-authenticate"

	MetaCorrelationID = "correlationID"
	MetaOriginalPath  = "originalPath"

	ContentTypeJSON = "application/json"
	ContentTypeXML  = "application/xml"

	faultNamespace = "http://wso2.org/apimanager"
	realm          = "enforcer"
)

// ErrorBody is the JSON body of a denied response.
type ErrorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

type xmlFault struct {
	XMLName     xml.Name `xml:"am:fault"`
	Namespace   string   `xml:"xmlns:am,attr"`
	Code        string   `xml:"am:code"`
	Message     string   `xml:"am:message"`
	Description string   `xml:"am:description"`
}

// GRPCCode maps an HTTP status to the status code of a denied check.
func GRPCCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusConflict:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// Allow builds the OK response for d. req supplies the original path.
func Allow(d *decision.Decision, req *authv3.CheckRequest) *authv3.CheckResponse {
	path := req.GetAttributes().GetRequest().GetHttp().GetPath()

	headers := overwriteHeaders(d.Headers)
	if rebuilt := RebuildPath(path, d.QueryRemove, d.QueryAdd, d.RemoveAllQuery); rebuilt != path {
		headers = append(headers, overwrite(HeaderPath, rebuilt))
	}

	return &authv3.CheckResponse{
		Status: &rpcstatus.Status{Code: int32(codes.OK)},
		HttpResponse: &authv3.CheckResponse_OkResponse{
			OkResponse: &authv3.OkHttpResponse{
				Headers:         headers,
				HeadersToRemove: d.RemoveHeaders,
			},
		},
		DynamicMetadata: allowMetadata(d, path),
	}
}

// Deny builds the denied response for err. format selects a JSON or XML
// body.
func Deny(err error, format, correlationID string) *authv3.CheckResponse {
	kind := apierror.KindOf(err)
	httpStatus := kind.HTTPStatus()

	description := apierror.DescriptionOf(err)
	if description == "" {
		description = kind.Message()
	}
	body, contentType := errorBody(kind, description, format)

	headers := []*corev3.HeaderValueOption{overwrite(HeaderContentType, contentType)}
	if httpStatus == http.StatusUnauthorized {
		headers = append(headers, overwrite(HeaderWWWAuthenticate,
			`OAuth2 realm="`+realm+`", error="invalid_token", error_description="`+kind.Message()+`"`))
	}
	if correlationID != "" {
		headers = append(headers, overwrite(decision.HeaderRequestID, correlationID))
	}

	return &authv3.CheckResponse{
		Status: &rpcstatus.Status{
			Code:    int32(GRPCCode(httpStatus)),
			Message: kind.Message(),
		},
		HttpResponse: &authv3.CheckResponse_DeniedResponse{
			DeniedResponse: &authv3.DeniedHttpResponse{
				Status:  &typev3.HttpStatus{Code: typev3.StatusCode(httpStatus)},
				Headers: headers,
				Body:    body,
			},
		},
		DynamicMetadata: metadata(map[string]interface{}{MetaCorrelationID: correlationID}),
	}
}

func errorBody(kind apierror.Kind, description, format string) (string, string) {
	code := strconv.Itoa(kind.Code())
	if format == route.FormatXML {
		out, err := xml.Marshal(xmlFault{
			Namespace:   faultNamespace,
			Code:        code,
			Message:     kind.Message(),
			Description: description,
		})
		if err == nil {
			return string(out), ContentTypeXML
		}
	}
	out, _ := json.Marshal(ErrorBody{
		Code:        code,
		Message:     kind.Message(),
		Description: description,
	})
	return string(out), ContentTypeJSON
}

func allowMetadata(d *decision.Decision, path string) *structpb.Struct {
	fields := map[string]interface{}{
		MetaCorrelationID: d.CorrelationID,
		MetaOriginalPath:  StripQuery(path),
	}
	if v := d.Verdict; v != nil {
		keys := make([]interface{}, 0, len(v.ThrottlingDataList))
		for _, k := range v.ThrottlingDataList {
			keys = append(keys, k)
		}
		fields["keyType"] = v.KeyType
		fields["apiTier"] = v.APITier
		fields["applicationTier"] = v.ApplicationTier
		fields["subscriptionTier"] = v.SubscriptionTier
		fields["applicationId"] = v.ApplicationID
		fields["apiName"] = v.APIName
		fields["spikeArrestLimit"] = v.SpikeArrestLimit
		fields["spikeArrestUnit"] = v.SpikeArrestUnit
		fields["stopOnQuotaReach"] = v.StopOnQuotaReach
		fields["contentAware"] = v.ContentAware
		fields["throttleKeys"] = keys
	}
	return metadata(fields)
}

func metadata(fields map[string]interface{}) *structpb.Struct {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil
	}
	return st
}

func overwriteHeaders(headers map[string]string) []*corev3.HeaderValueOption {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*corev3.HeaderValueOption, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, overwrite(k, headers[k]))
	}
	return out
}

func overwrite(key, value string) *corev3.HeaderValueOption {
	return &corev3.HeaderValueOption{
		Header:       &corev3.HeaderValue{Key: key, Value: value},
		AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
	}
}
