package validation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// MLLPHandler validates every received message under flow and answers
// AA when valid, AE with the schema diagnostics when invalid, and AR when
// the message cannot be parsed, resolved or mapped to a schema.
func MLLPHandler(svc *Service, flow string, logger zerolog.Logger) hl7v2.MessageHandler {
	logger = logger.With().Str("component", "mllp-handler").Str("flow", flow).Logger()

	return func(ctx context.Context, raw []byte) *hl7v2.Message {
		msg, err := svc.parse(flow, raw)
		if err != nil {
			rec, _ := svc.storeFailure(ctx, flow, SourceMLLP, raw, nil, err)
			logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("rejecting unparsable message")
			return hl7v2.GenerateNAK(&hl7v2.Message{}, hl7v2.AckReject, err.Error(), nil)
		}

		rec, err := svc.ProcessParsed(ctx, flow, msg, raw, SourceMLLP)
		switch {
		case err != nil && KindOf(err) == "":
			// Validated but not stored; let the sender retry.
			logger.Error().Err(err).Str("control_id", msg.ControlID).Msg("result not stored")
			return hl7v2.GenerateNAK(msg, hl7v2.AckError, "message could not be stored", nil)
		case err != nil:
			return hl7v2.GenerateNAK(msg, hl7v2.AckReject, err.Error(), nil)
		case rec.IsValid:
			return hl7v2.GenerateACK(msg, hl7v2.AckAccept)
		default:
			details := make([]string, 0, len(rec.Diagnostics))
			for _, d := range rec.Diagnostics {
				details = append(details, d.String())
			}
			return hl7v2.GenerateNAK(msg, hl7v2.AckError, rec.ErrorMessage, details)
		}
	}
}
